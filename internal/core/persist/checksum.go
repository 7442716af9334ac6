package persist

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// Entry はチェックサム計算に使う、ソース1行分の固定フィールド射影。
// ツールは Name=ツール名 / Content=説明 / Examples=クエリ例、
// メッセージは Name=ロール / Content=本文 / Examples=空 を入れる
type Entry struct {
	ID       int64
	Name     string
	Content  string
	Examples string

	// SortKey は並び替えに使う安定キー（ツールは名前、メッセージはゼロ埋めID）
	SortKey string
}

// SortKeyForID は整数IDから安定ソートキーを作る
func SortKeyForID(id int64) string {
	return fmt.Sprintf("%020d", id)
}

// Checksum はエントリ集合の決定的なSHA-256指紋を返す。
// ソース側の並び順に依存しないよう、ハッシュ前にSortKeyでソートする
func Checksum(entries []Entry) string {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].SortKey < sorted[j].SortKey
	})

	parts := make([]string, 0, len(sorted))
	for _, e := range sorted {
		parts = append(parts, fmt.Sprintf("%d|%s|%s|%s", e.ID, e.Name, e.Content, e.Examples))
	}

	combined := strings.Join(parts, "|")
	hash := sha256.Sum256([]byte(combined))
	return hex.EncodeToString(hash[:])
}
