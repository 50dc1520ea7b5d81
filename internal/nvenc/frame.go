package nvenc

import "fmt"

// plane describes one plane of a pixel format at logical dimensions:
// bytes per row and number of rows, both before alignment.
type plane struct {
	rowBytes int
	rows     int
}

// planes returns the plane layout of a format. The locked input region is
// laid out as the same planes with every row padded to the hardware pitch
// and every plane padded to the aligned height.
func planes(format BufferFormat, width, height int) ([]plane, error) {
	switch format {
	case FormatNV12:
		// Y plane, then interleaved UV at half height.
		return []plane{{width, height}, {width, height / 2}}, nil
	case FormatYV12, FormatIYUV:
		// Y plane, then two half-resolution chroma planes.
		return []plane{{width, height}, {width / 2, height / 2}, {width / 2, height / 2}}, nil
	case FormatYUV444:
		return []plane{{width, height}, {width, height}, {width, height}}, nil
	case FormatARGB:
		return []plane{{width * 4, height}}, nil
	default:
		return nil, fmt.Errorf("%w: cannot lay out format %s", ErrConfiguration, format)
	}
}

// planeRows returns the padded row count of a plane in the locked region:
// full-height planes are padded to the aligned height, subsampled planes to
// half of it.
func planeRows(p plane, height, alignedHeight int) int {
	if p.rows == height {
		return alignedHeight
	}
	return alignedHeight / 2
}

// copyFrame copies a tightly packed caller frame into the locked input
// region, row by row at the hardware pitch, zero-filling the alignment
// slack so stale bytes from a previous frame never leak into the encode.
func copyFrame(dst []byte, pitch int, src []byte, format BufferFormat, width, height, alignedHeight int) error {
	want := format.FrameSize(width, height)
	if want == 0 {
		return fmt.Errorf("%w: cannot copy format %s", ErrConfiguration, format)
	}
	if len(src) != want {
		return fmt.Errorf("%w: frame is %d bytes, %s %dx%d needs %d",
			ErrConfiguration, len(src), format, width, height, want)
	}
	pls, err := planes(format, width, height)
	if err != nil {
		return err
	}
	srcOff, dstOff := 0, 0
	for _, p := range pls {
		padded := planeRows(p, height, alignedHeight)
		if p.rowBytes > pitch {
			return fmt.Errorf("%w: row of %d bytes exceeds pitch %d", ErrConfiguration, p.rowBytes, pitch)
		}
		for row := 0; row < padded; row++ {
			dstRow := dst[dstOff : dstOff+pitch]
			if row < p.rows {
				n := copy(dstRow, src[srcOff:srcOff+p.rowBytes])
				zero(dstRow[n:])
				srcOff += p.rowBytes
			} else {
				zero(dstRow)
			}
			dstOff += pitch
		}
	}
	return nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
