package main

import (
	"fmt"
	"strconv"
	"strings"
)

// parseMarks parses "AAPL=187.5,MSFT=401" into a mark price map.
func parseMarks(s string) (map[string]float64, error) {
	marks := make(map[string]float64)
	if strings.TrimSpace(s) == "" {
		return marks, nil
	}
	for _, pair := range strings.Split(s, ",") {
		sym, px, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || sym == "" {
			return nil, fmt.Errorf("mark %q: want SYMBOL=PRICE", pair)
		}
		price, err := strconv.ParseFloat(px, 64)
		if err != nil || !(price > 0) {
			return nil, fmt.Errorf("mark %q: invalid price", pair)
		}
		marks[strings.ToUpper(sym)] = price
	}
	return marks, nil
}
