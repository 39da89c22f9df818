package reference

import "errors"

var errEmptyInput = errors.New("reference bot: no candles supplied")
