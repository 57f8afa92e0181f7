package fakeserver

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// bcrypt.MinCost keeps registration fast in tests.
const bcryptCost = bcrypt.MinCost

func hashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

func comparePassword(hashedPassword, password string) error {
	return bcrypt.CompareHashAndPassword([]byte(hashedPassword), []byte(password))
}
