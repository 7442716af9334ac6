package vecindex

import "errors"

var (
	// ErrDimensionMismatch は登録済み次元と異なるベクトルが渡された場合のエラー
	ErrDimensionMismatch = errors.New("vector dimension mismatch")

	// ErrEmptyBatch は空のベクトル列が渡された場合のエラー
	ErrEmptyBatch = errors.New("empty vector batch")

	// ErrCorruptData はシリアライズ済みデータが壊れている場合のエラー
	ErrCorruptData = errors.New("corrupt index data")
)
