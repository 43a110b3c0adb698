package attendance

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

var otpSpace = big.NewInt(1_000_000)

// GenerateOTP returns a uniformly random six digit code.
func GenerateOTP() (string, error) {
	n, err := rand.Int(rand.Reader, otpSpace)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
