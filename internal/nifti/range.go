package nifti

import (
	"bufio"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// 分位数估计最多采样这么多 voxel；再多对 2%/98% 分位没有实际增益。
const defaultSampleLimit = 65536

// DisplayRange 返回建议的显示范围 [lo, hi]。
// 头部声明了 cal_min/cal_max 就直接用；否则用样本的 2%/98% 分位估计——
// MRI 背景是大片零值加散点噪声，朴素 min/max 会把窗宽拉垮。
func DisplayRange(h Header, samples []float64) (lo, hi float64) {
	if h.CalMax > h.CalMin {
		return h.CalMin, h.CalMax
	}
	if len(samples) == 0 {
		return 0, 0
	}
	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)
	lo = stat.Quantile(0.02, stat.Empirical, sorted, nil)
	hi = stat.Quantile(0.98, stat.Empirical, sorted, nil)
	return lo, hi
}

// SampleVoxels 解析头部并等距采样至多 limit 个 voxel 值（limit<=0 取默认）。
// 只顺序读一遍数据段，不整块载入内存。
func SampleVoxels(path string, limit int) (Header, []float64, error) {
	if limit <= 0 {
		limit = defaultSampleLimit
	}

	f, err := os.Open(path)
	if err != nil {
		return Header{}, nil, err
	}
	defer f.Close()

	var r io.Reader = bufio.NewReader(f)
	head, err := r.(*bufio.Reader).Peek(2)
	if err != nil {
		return Header{}, nil, fmt.Errorf("读文件失败：%w", err)
	}
	if head[0] == 0x1f && head[1] == 0x8b {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return Header{}, nil, fmt.Errorf("gzip 解包失败：%w", err)
		}
		defer gz.Close()
		r = gz
	}

	h, err := ParseHeader(r)
	if err != nil {
		return Header{}, nil, err
	}
	size := datatypeSize(h.code)
	if size == 0 {
		return h, nil, fmt.Errorf("datatype %s 不支持采样", h.Datatype)
	}
	if h.voxOffset < headerSize {
		return h, nil, fmt.Errorf("vox_offset=%d 非法", h.voxOffset)
	}
	if _, err := io.CopyN(io.Discard, r, h.voxOffset-headerSize); err != nil {
		return h, nil, fmt.Errorf("定位数据段失败：%w", err)
	}

	total := h.Dim[0] * h.Dim[1] * h.Dim[2]
	stride := total / limit
	if stride < 1 {
		stride = 1
	}

	buf := make([]byte, size)
	samples := make([]float64, 0, limit)
	for i := 0; i < total; i++ {
		if _, err := io.ReadFull(r, buf); err != nil {
			// 数据段比头部声明的短：采到哪儿算哪儿。
			break
		}
		if i%stride != 0 {
			continue
		}
		samples = append(samples, decodeValue(h.order, h.code, buf))
	}
	return h, samples, nil
}

func datatypeSize(code int16) int {
	switch code {
	case codeUint8:
		return 1
	case codeInt16, codeUint16:
		return 2
	case codeInt32, codeFloat32:
		return 4
	case codeFloat64:
		return 8
	default:
		return 0
	}
}

func decodeValue(order binary.ByteOrder, code int16, b []byte) float64 {
	switch code {
	case codeUint8:
		return float64(b[0])
	case codeInt16:
		return float64(int16(order.Uint16(b)))
	case codeUint16:
		return float64(order.Uint16(b))
	case codeInt32:
		return float64(int32(order.Uint32(b)))
	case codeFloat32:
		return float64(math.Float32frombits(order.Uint32(b)))
	case codeFloat64:
		return math.Float64frombits(order.Uint64(b))
	default:
		return 0
	}
}
