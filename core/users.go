package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// NewUser holds the fields needed to seed an account.
type NewUser struct {
	Username string `validate:"required,max=64"`
	Email    string `validate:"omitempty,email,max=254"`
	Password string `validate:"required,max=72"`
	Role     string `validate:"omitempty,oneof=user admin"`
}

// CreateUser hashes the password and stores a new account. Accounts are owned
// by the user-management side of an application; this exists for operators
// and fixtures.
func (a *AuthService) CreateUser(ctx context.Context, req NewUser) (*User, error) {
	if err := a.validator.Struct(req); err != nil {
		return nil, fmt.Errorf("invalid user: %s", formatValidationErrors(err))
	}
	if problems := ValidatePasswordStrength(req.Password); len(problems) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrWeakPassword, strings.Join(problems, "; "))
	}

	hash, err := a.hasher.Hash(ctx, req.Password)
	if err != nil {
		return nil, err
	}

	role := req.Role
	if role == "" {
		role = "user"
	}
	user := &User{
		Username:     strings.TrimSpace(req.Username),
		Email:        strings.TrimSpace(req.Email),
		PasswordHash: hash,
		Role:         role,
		CreatedAt:    a.now(),
	}

	if err := a.storage.CreateUser(ctx, user); err != nil {
		if errors.Is(err, ErrUserExists) {
			return nil, err
		}
		return nil, storeError("create user", err)
	}

	slog.Info("User created", "user_id", user.ID, "username", user.Username)
	user.PasswordHash = ""
	return user, nil
}
