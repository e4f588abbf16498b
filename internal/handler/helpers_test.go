package handler

import (
	"strconv"

	"github.com/golang-jwt/jwt/v5"
)

func itoa(id uint64) string { return strconv.FormatUint(id, 10) }

func jwtSubject(sub string) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{Subject: sub}
}
