// Package nifti 解析 NIfTI-1 头部（348 字节，可选 gzip 包装）。
// 只读头部，不解码 voxel 数据：check 报告与显示范围估计都用不到完整体数据。
package nifti

import (
	"bufio"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
)

const (
	headerSize = 348
	// sizeof_hdr 固定为 348，是字节序探测的依据。
	sizeOfHdr = 348
)

// NIfTI-1 datatype 码表（只列本系统会遇到的）。
const (
	codeUint8   = 2
	codeInt16   = 4
	codeInt32   = 8
	codeFloat32 = 16
	codeFloat64 = 64
	codeUint16  = 512
)

// Header 是头部里本系统关心的字段。
type Header struct {
	// Dim 是空间三维（dim[1..3]）。
	Dim [3]int
	// Datatype 是规范化的类型名（unknown(<code>) 表示未收录的码）。
	Datatype string
	// CalMin/CalMax 是头部声明的显示范围；都为 0 表示未声明。
	CalMin float64
	CalMax float64
	// Swapped 表示头部字节序与本机相反。
	Swapped bool

	order     binary.ByteOrder
	code      int16
	voxOffset int64
}

// ParseHeader 从 r 读取并解析头部。r 应指向未压缩的 NIfTI-1 字节流。
func ParseHeader(r io.Reader) (Header, error) {
	buf := make([]byte, headerSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Header{}, fmt.Errorf("读头部失败：%w", err)
	}

	var order binary.ByteOrder = binary.LittleEndian
	swapped := false
	if order.Uint32(buf[0:4]) != sizeOfHdr {
		order = binary.BigEndian
		swapped = true
		if order.Uint32(buf[0:4]) != sizeOfHdr {
			return Header{}, fmt.Errorf("sizeof_hdr 不是 348：不是 NIfTI-1 文件")
		}
	}

	// magic 在偏移 344："n+1\0"（单文件）或 "ni1\0"（hdr/img 成对）。
	magic := string(buf[344:347])
	if magic != "n+1" && magic != "ni1" {
		return Header{}, fmt.Errorf("magic 不是 n+1/ni1：%q", magic)
	}

	// dim 在偏移 40：dim[0] 是维数，dim[1..7] 是各维大小。
	ndim := int(int16(order.Uint16(buf[40:42])))
	if ndim < 3 || ndim > 7 {
		return Header{}, fmt.Errorf("维数 %d 超出范围", ndim)
	}
	var dim [3]int
	for i := 0; i < 3; i++ {
		d := int(int16(order.Uint16(buf[42+2*i : 44+2*i])))
		if d <= 0 {
			return Header{}, fmt.Errorf("dim[%d]=%d 非法", i+1, d)
		}
		dim[i] = d
	}

	datatype := int16(order.Uint16(buf[70:72]))

	// cal_min/cal_max 在偏移 128/124（float32）。
	calMax := f32(order, buf[124:128])
	calMin := f32(order, buf[128:132])

	// vox_offset 在偏移 108（float32，单文件格式下 >= 352）。
	voxOffset := int64(f32(order, buf[108:112]))

	return Header{
		Dim:       dim,
		Datatype:  datatypeName(datatype),
		CalMin:    float64(calMin),
		CalMax:    float64(calMax),
		Swapped:   swapped,
		order:     order,
		code:      datatype,
		voxOffset: voxOffset,
	}, nil
}

// ParseFile 解析磁盘上的 .nii / .nii.gz 文件头部。
func ParseFile(path string) (Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, err
	}
	defer f.Close()
	return parseMaybeGzip(f)
}

func parseMaybeGzip(r io.Reader) (Header, error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(2)
	if err != nil {
		return Header{}, fmt.Errorf("读文件失败：%w", err)
	}
	// gzip 魔数 0x1f 0x8b。
	if head[0] == 0x1f && head[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return Header{}, fmt.Errorf("gzip 解包失败：%w", err)
		}
		defer gz.Close()
		return ParseHeader(gz)
	}
	return ParseHeader(br)
}

func datatypeName(code int16) string {
	switch code {
	case codeUint8:
		return "uint8"
	case codeInt16:
		return "int16"
	case codeInt32:
		return "int32"
	case codeFloat32:
		return "float32"
	case codeFloat64:
		return "float64"
	case codeUint16:
		return "uint16"
	default:
		return fmt.Sprintf("unknown(%d)", code)
	}
}

func f32(order binary.ByteOrder, b []byte) float32 {
	return math.Float32frombits(order.Uint32(b))
}
