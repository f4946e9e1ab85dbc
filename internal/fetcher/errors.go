package fetcher

import "errors"

var ErrUnknownSourceType = errors.New("unknown source type")
