package vecindex

import (
	"fmt"
	"math"
	"sort"
)

// SentinelPosition は検索結果の未使用スロットを示す位置
const SentinelPosition = -1

// Match はベクトル検索の1件の結果（距離昇順で返される）
type Match struct {
	Position int
	Distance float32
}

// FlatIndex は総当たりの二乗L2距離インデックス。
// ベクトルは挿入順に連続した位置(0..N-1)を割り当てられ、以後変更されない。
// 同期は呼び出し側の責務（単一ライター／複数リーダー規律）。
type FlatIndex struct {
	dimension int
	vectors   []float32 // 行優先でフラットに保持する
	count     int
}

// NewFlatIndex は空のインデックスを作成する。
// 次元は最初のAddで確定する
func NewFlatIndex() *FlatIndex {
	return &FlatIndex{}
}

// Add はベクトル列を追加し、割り当てた位置を返す。
// 最初のバッチでインデックスの次元が確定し、以後異なる次元のAddは失敗する
func (idx *FlatIndex) Add(vectors [][]float32) ([]int, error) {
	if len(vectors) == 0 {
		return nil, ErrEmptyBatch
	}

	dim := idx.dimension
	if dim == 0 {
		dim = len(vectors[0])
		if dim == 0 {
			return nil, fmt.Errorf("%w: zero-length vector", ErrDimensionMismatch)
		}
	}

	for i, v := range vectors {
		if len(v) != dim {
			return nil, fmt.Errorf("%w: vector %d has dimension %d, index has %d",
				ErrDimensionMismatch, i, len(v), dim)
		}
	}

	positions := make([]int, len(vectors))
	for i, v := range vectors {
		positions[i] = idx.count + i
		idx.vectors = append(idx.vectors, v...)
	}

	idx.dimension = dim
	idx.count += len(vectors)

	return positions, nil
}

// Search はクエリに近い順にk件の(位置, 距離)を返す。
// 保持件数がkに満たない場合、残りのスロットはSentinelPositionで埋められる。
// 呼び出し側はSentinelPositionをフィルタすること
func (idx *FlatIndex) Search(query []float32, k int) ([]Match, error) {
	if k <= 0 {
		return nil, nil
	}
	if idx.count > 0 && len(query) != idx.dimension {
		return nil, fmt.Errorf("%w: query has dimension %d, index has %d",
			ErrDimensionMismatch, len(query), idx.dimension)
	}

	matches := make([]Match, 0, idx.count)
	for pos := 0; pos < idx.count; pos++ {
		row := idx.vectors[pos*idx.dimension : (pos+1)*idx.dimension]
		matches = append(matches, Match{Position: pos, Distance: squaredL2(query, row)})
	}

	// 同距離は挿入順を保つ
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Distance < matches[j].Distance
	})

	if len(matches) > k {
		matches = matches[:k]
	}
	for len(matches) < k {
		matches = append(matches, Match{Position: SentinelPosition, Distance: float32(math.Inf(1))})
	}

	return matches, nil
}

// Count は保持しているベクトル数を返す
func (idx *FlatIndex) Count() int {
	return idx.count
}

// Dimension はベクトル次元数を返す（未確定の場合は0）
func (idx *FlatIndex) Dimension() int {
	return idx.dimension
}

// squaredL2 は二乗ユークリッド距離を計算する（小さいほど類似）
func squaredL2(a, b []float32) float32 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return float32(sum)
}
