package service

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/onexay/perf-ledger/internal/config"
	"github.com/onexay/perf-ledger/internal/storage"
	"github.com/onexay/perf-ledger/internal/types"
)

// RegisterAgent stores (or replaces) the credentials of a build agent.
func RegisterAgent(ctx context.Context, store storage.Store, name, password string) error {
	if name == "" || password == "" {
		return &storage.ValidationError{Message: "agent name and password are required"}
	}

	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	return store.PutAgent(ctx, types.Agent{Name: name, PasswordHash: hash})
}

// HashPassword returns the bcrypt hash stored for an agent password.
func HashPassword(password string) ([]byte, error) {
	if password == "" {
		return nil, &storage.ValidationError{Message: "password is required"}
	}
	return bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
}

// SeedAgents writes the agents listed in the configuration into store,
// replacing any stored credentials of the same name.
func SeedAgents(ctx context.Context, store storage.Store, agents []config.AgentConfig) error {
	for _, agent := range agents {
		if err := store.PutAgent(ctx, types.Agent{Name: agent.Name, PasswordHash: []byte(agent.PasswordHash)}); err != nil {
			return fmt.Errorf("seed agent %s: %w", agent.Name, err)
		}
	}
	return nil
}

func (s *Service) authenticate(ctx context.Context, name, password string) error {
	if name == "" {
		return &AuthError{Agent: name}
	}

	agent, err := s.store.GetAgent(ctx, name)
	if err != nil {
		var notFound *storage.NotFoundError
		if errors.As(err, &notFound) {
			return &AuthError{Agent: name}
		}
		return err
	}

	if err := bcrypt.CompareHashAndPassword(agent.PasswordHash, []byte(password)); err != nil {
		return &AuthError{Agent: name}
	}
	return nil
}
