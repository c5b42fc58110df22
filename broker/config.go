package broker

import "strconv"

func parsePositiveInt(value string, min int) (int, error) {
	n, err := strconv.Atoi(value)
	if err != nil || n < min {
		return 0, New(InvalidArgument, err)
	}
	return n, nil
}

func parsePositiveIntAllowZero(value string) (int, error) {
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return 0, New(InvalidArgument, err)
	}
	return n, nil
}

func parseClampedFloat(value string, lo, hi float64) (float64, error) {
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, New(InvalidArgument, err)
	}
	if f < lo {
		f = lo
	}
	if f > hi {
		f = hi
	}
	return f, nil
}

func parseCompressionAlgorithm(value string) CompressionAlgorithm {
	switch value {
	case "gzip":
		return CompressionGzip
	case "snappy":
		return CompressionSnappy
	case "lz4":
		return CompressionLZ4
	default:
		return CompressionNone
	}
}
