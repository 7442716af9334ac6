package vecindex

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// シリアライズ形式: uint32次元 + uint32件数 + float32データ（リトルエンディアン）
const headerSize = 8

// MarshalBinary はインデックスをバイト列に変換する
func (idx *FlatIndex) MarshalBinary() ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, headerSize+len(idx.vectors)*4))

	if err := binary.Write(buf, binary.LittleEndian, uint32(idx.dimension)); err != nil {
		return nil, fmt.Errorf("failed to write dimension: %w", err)
	}
	if err := binary.Write(buf, binary.LittleEndian, uint32(idx.count)); err != nil {
		return nil, fmt.Errorf("failed to write count: %w", err)
	}
	if err := binary.Write(buf, binary.LittleEndian, idx.vectors); err != nil {
		return nil, fmt.Errorf("failed to write vectors: %w", err)
	}

	return buf.Bytes(), nil
}

// UnmarshalBinary はバイト列からインデックスを復元する
func UnmarshalBinary(data []byte) (*FlatIndex, error) {
	dim, count, err := ReadHeader(data)
	if err != nil {
		return nil, err
	}

	want := headerSize + dim*count*4
	if len(data) != want {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrCorruptData, want, len(data))
	}

	vectors := make([]float32, dim*count)
	for i := range vectors {
		bits := binary.LittleEndian.Uint32(data[headerSize+i*4:])
		vectors[i] = math.Float32frombits(bits)
	}

	return &FlatIndex{
		dimension: dim,
		vectors:   vectors,
		count:     count,
	}, nil
}

// ReadHeader はシリアライズ済みデータから(次元, 件数)を読み取る。
// 永続化層がデシリアライズせずに次元を検証するために使う
func ReadHeader(data []byte) (dimension int, count int, err error) {
	if len(data) < headerSize {
		return 0, 0, fmt.Errorf("%w: data too short for header", ErrCorruptData)
	}
	dimension = int(binary.LittleEndian.Uint32(data[0:4]))
	count = int(binary.LittleEndian.Uint32(data[4:8]))
	return dimension, count, nil
}
