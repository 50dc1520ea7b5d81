package sim

import (
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"

	"github.com/streamforge/hwenc/internal/nvenc"
)

// H.264 NAL unit headers (forbidden_zero=0, nal_ref_idc set for reference
// slices).
const (
	nalH264SPS    = 0x67
	nalH264PPS    = 0x68
	nalH264IDR    = 0x65
	nalH264NonIDR = 0x41
)

// HEVC NAL unit types, shifted into the first header byte.
const (
	nalHEVCVPS   = 32
	nalHEVCSPS   = 33
	nalHEVCPPS   = 34
	nalHEVCIDR   = 19 // IDR_W_RADL
	nalHEVCTrail = 1  // TRAIL_R
)

// synthAccessUnit produces one Annex-B access unit for the submitted
// picture. The slice payload is deterministic filler, not a real encode,
// but the NAL structure is faithful: an IDR access unit carries its
// parameter sets, a predicted frame is a single non-IDR slice. Payload
// bytes avoid zero so no accidental start codes appear inside a NAL.
func synthAccessUnit(codec nvenc.GUID, idr bool, frameIndex uint64, sliceBytes int) ([]byte, error) {
	if sliceBytes < 16 {
		sliceBytes = 16
	}
	var nalus h264.AnnexB
	switch codec {
	case nvenc.CodecHEVC:
		if idr {
			nalus = append(nalus,
				hevcNALU(nalHEVCVPS, frameIndex, 16),
				hevcNALU(nalHEVCSPS, frameIndex, 24),
				hevcNALU(nalHEVCPPS, frameIndex, 8),
				hevcNALU(nalHEVCIDR, frameIndex, sliceBytes),
			)
		} else {
			nalus = append(nalus, hevcNALU(nalHEVCTrail, frameIndex, sliceBytes))
		}
	default:
		if idr {
			nalus = append(nalus,
				h264NALU(nalH264SPS, frameIndex, 24),
				h264NALU(nalH264PPS, frameIndex, 8),
				h264NALU(nalH264IDR, frameIndex, sliceBytes),
			)
		} else {
			nalus = append(nalus, h264NALU(nalH264NonIDR, frameIndex, sliceBytes))
		}
	}
	return nalus.Marshal()
}

func h264NALU(header byte, seed uint64, n int) []byte {
	nal := make([]byte, 1+n)
	nal[0] = header
	fill(nal[1:], seed^uint64(header))
	return nal
}

func hevcNALU(nalType int, seed uint64, n int) []byte {
	nal := make([]byte, 2+n)
	nal[0] = byte(nalType << 1)
	nal[1] = 0x01
	fill(nal[2:], seed^uint64(nalType))
	return nal
}

// fill writes deterministic non-zero filler derived from the seed.
func fill(dst []byte, seed uint64) {
	x := seed*0x9E3779B97F4A7C15 + 1
	for i := range dst {
		x ^= x << 13
		x ^= x >> 7
		x ^= x << 17
		dst[i] = byte(x%255) + 1
	}
}
