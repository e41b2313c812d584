package cmd

import "strconv"

func itoa(n int) string {
	return strconv.Itoa(n)
}

func itoa64(n uint64) string {
	return strconv.FormatUint(n, 10)
}
