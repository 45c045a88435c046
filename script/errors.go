package script

import "errors"

var (
	errUnterminatedString        = errors.New("unterminated string")
	errUnterminatedInterpolation = errors.New("unterminated {{ interpolation")
)
