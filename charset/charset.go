// Package charset holds the ordered symbol table the recognition network was trained with.
// The last symbol is always the blank used by the decoder.
package charset

import (
	"fmt"
	"strings"
)

// Blank is the reserved symbol meaning "no character at this position".
const Blank = "-"

var defaultSymbols = []string{
	"京", "沪", "津", "渝", "冀", "晋", "蒙", "辽", "吉", "黑",
	"苏", "浙", "皖", "闽", "赣", "鲁", "豫", "鄂", "湘", "粤",
	"桂", "琼", "川", "贵", "云", "藏", "陕", "甘", "青", "宁",
	"新",
	"0", "1", "2", "3", "4", "5", "6", "7", "8", "9",
	"A", "B", "C", "D", "E", "F", "G", "H", "J", "K",
	"L", "M", "N", "P", "Q", "R", "S", "T", "U", "V",
	"W", "X", "Y", "Z", "I",
	Blank,
}

// Charset maps class indices to symbols.
type Charset struct {
	symbols []string
	index   map[string]int
}

// Default returns the 67 symbol plate charset: 31 region prefixes, 10 digits,
// 24 letters without I and O, the trailing I kept from the trained class table, and the blank
// at index 66. Indices 0 to 65 match that table.
func Default() Charset {
	cs, err := New(defaultSymbols)
	if err != nil {
		panic(err)
	}
	return cs
}

// New builds a charset from symbols. The blank must be the last symbol and appear once;
// no symbol may repeat.
func New(symbols []string) (Charset, error) {
	if len(symbols) < 2 {
		return Charset{}, fmt.Errorf("charset needs at least one symbol and the blank, got %d entries", len(symbols))
	}
	if symbols[len(symbols)-1] != Blank {
		return Charset{}, fmt.Errorf("charset must end with the blank symbol %q, got %q", Blank, symbols[len(symbols)-1])
	}
	index := make(map[string]int, len(symbols))
	for i, s := range symbols {
		if s == "" {
			return Charset{}, fmt.Errorf("charset symbol %d is empty", i)
		}
		if j, ok := index[s]; ok {
			return Charset{}, fmt.Errorf("charset symbol %q repeated at %d and %d", s, j, i)
		}
		index[s] = i
	}
	return Charset{symbols: append([]string(nil), symbols...), index: index}, nil
}

// Len is the number of classes, blank included.
func (c Charset) Len() int {
	return len(c.symbols)
}

// BlankIndex is always Len()-1.
func (c Charset) BlankIndex() int {
	return len(c.symbols) - 1
}

// Symbol returns the symbol for class i.
func (c Charset) Symbol(i int) (string, error) {
	if i < 0 || i >= len(c.symbols) {
		return "", fmt.Errorf("class index %d out of range [0, %d)", i, len(c.symbols))
	}
	return c.symbols[i], nil
}

// Index returns the class of symbol s.
func (c Charset) Index(s string) (int, bool) {
	i, ok := c.index[s]
	return i, ok
}

// Text joins the symbols of labels. Blank labels are rejected since a decoded label
// sequence never contains them.
func (c Charset) Text(labels []int) (string, error) {
	var sb strings.Builder
	for _, l := range labels {
		if l == c.BlankIndex() {
			return "", fmt.Errorf("label sequence contains the blank index %d", l)
		}
		s, err := c.Symbol(l)
		if err != nil {
			return "", err
		}
		sb.WriteString(s)
	}
	return sb.String(), nil
}
