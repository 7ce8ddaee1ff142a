// Package auth keeps user accounts in a JSON credentials file. Passwords are
// stored as bcrypt hashes; plaintext entries from older files still verify
// and are upgraded to a hash on the next successful login.
package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// Roles an account may hold.
const (
	RoleCustomer = "customer"
	RoleBusiness = "business"
)

// MinPasswordLength is the shortest password Register accepts.
const MinPasswordLength = 6

var (
	ErrUserNotFound       = errors.New("user not found")
	ErrWrongPassword      = errors.New("incorrect password")
	ErrWrongRole          = errors.New("incorrect role for this user")
	ErrUserExists         = errors.New("user already exists")
	ErrPasswordTooShort   = errors.New("password too short")
	ErrEmptyCredentials   = errors.New("user id and password cannot be empty")
	ErrInvalidRole        = errors.New("invalid role")
	ErrCustomerIDRequired = errors.New("customer accounts need a customer id")
)

// Account is one credentials record.
type Account struct {
	Username   string `json:"-"`
	Password   string `json:"password"`
	Role       string `json:"role"`
	CustomerID string `json:"customer_id,omitempty"`
	Phone      string `json:"phone,omitempty"`
}

// Config points the store at its file.
type Config struct {
	Path     string
	HashCost int
}

// Store reads the credentials file before every operation. Writers are
// serialised in-process and replace the file atomically.
type Store struct {
	path   string
	cost   int
	logger *slog.Logger
	mu     sync.Mutex
}

// NewStore creates the store, writing an empty file if none exists.
func NewStore(cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.Path == "" {
		cfg.Path = "credentials.json"
	}
	if cfg.HashCost == 0 {
		cfg.HashCost = bcrypt.DefaultCost
	}
	s := &Store{path: cfg.Path, cost: cfg.HashCost, logger: logger.With("component", "auth")}
	if _, err := os.Stat(s.path); errors.Is(err, os.ErrNotExist) {
		if err := s.write(map[string]Account{}); err != nil {
			return nil, fmt.Errorf("create credentials file: %w", err)
		}
	}
	return s, nil
}

// Authenticate checks username, password and role, in that order, so each
// failure is reported distinctly.
func (s *Store) Authenticate(username, password, role string) (Account, error) {
	username = strings.TrimSpace(username)
	s.mu.Lock()
	defer s.mu.Unlock()

	accounts := s.read()
	acct, ok := accounts[username]
	if !ok {
		return Account{}, ErrUserNotFound
	}
	legacy := !isHash(acct.Password)
	if legacy {
		if acct.Password != password {
			return Account{}, ErrWrongPassword
		}
	} else if err := bcrypt.CompareHashAndPassword([]byte(acct.Password), []byte(password)); err != nil {
		return Account{}, ErrWrongPassword
	}
	if acct.Role != role {
		return Account{}, ErrWrongRole
	}

	if legacy {
		if hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost); err == nil {
			acct.Password = string(hash)
			accounts[username] = acct
			if err := s.write(accounts); err != nil {
				s.logger.Warn("upgrade plaintext password failed", "username", username, "error", err)
			}
		}
	}
	acct.Username = username
	acct.Password = ""
	return acct, nil
}

// RegisterInput carries a new account's fields.
type RegisterInput struct {
	Username   string
	Password   string
	Role       string
	CustomerID string
	Phone      string
}

// Register validates and stores a new account.
func (s *Store) Register(in RegisterInput) (Account, error) {
	username := strings.TrimSpace(in.Username)
	if username == "" || in.Password == "" {
		return Account{}, ErrEmptyCredentials
	}
	if in.Role != RoleCustomer && in.Role != RoleBusiness {
		return Account{}, fmt.Errorf("%w: %q", ErrInvalidRole, in.Role)
	}
	customerID := strings.ToUpper(strings.TrimSpace(in.CustomerID))
	if in.Role == RoleCustomer && customerID == "" {
		return Account{}, ErrCustomerIDRequired
	}
	if in.Role == RoleBusiness {
		customerID = ""
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	accounts := s.read()
	if _, exists := accounts[username]; exists {
		return Account{}, ErrUserExists
	}
	if len(in.Password) < MinPasswordLength {
		return Account{}, ErrPasswordTooShort
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), s.cost)
	if err != nil {
		return Account{}, fmt.Errorf("hash password: %w", err)
	}
	acct := Account{
		Password:   string(hash),
		Role:       in.Role,
		CustomerID: customerID,
		Phone:      normalizePhone(in.Phone),
	}
	accounts[username] = acct
	if err := s.write(accounts); err != nil {
		return Account{}, fmt.Errorf("save credentials: %w", err)
	}
	acct.Username = username
	acct.Password = ""
	return acct, nil
}

// FindByPhone returns the account registered with phone.
func (s *Store) FindByPhone(phone string) (Account, bool) {
	target := normalizePhone(phone)
	if target == "" {
		return Account{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, acct := range s.read() {
		if acct.Phone == target {
			acct.Username = name
			acct.Password = ""
			return acct, true
		}
	}
	return Account{}, false
}

// read loads the file. A malformed file is treated as empty.
func (s *Store) read() map[string]Account {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Error("read credentials failed", "path", s.path, "error", err)
		}
		return map[string]Account{}
	}
	accounts := map[string]Account{}
	if err := json.Unmarshal(raw, &accounts); err != nil {
		s.logger.Error("credentials file is improperly formatted, treating as empty", "path", s.path, "error", err)
		return map[string]Account{}
	}
	return accounts
}

func (s *Store) write(accounts map[string]Account) error {
	raw, err := json.MarshalIndent(accounts, "", "    ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".credentials-*.json")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}

func isHash(p string) bool {
	return strings.HasPrefix(p, "$2a$") || strings.HasPrefix(p, "$2b$") || strings.HasPrefix(p, "$2y$")
}

// normalizePhone keeps digits only, so "+62 812-3456" and "628123456" match.
func normalizePhone(p string) string {
	var b strings.Builder
	for _, r := range p {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Message maps a store error onto the text shown to the user.
func Message(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUserNotFound):
		return "Authentication failed: User ID not found."
	case errors.Is(err, ErrWrongPassword):
		return "Authentication failed: Incorrect password."
	case errors.Is(err, ErrWrongRole):
		return "Authentication failed: Incorrect role for this user."
	case errors.Is(err, ErrEmptyCredentials):
		return "User ID and Password cannot be empty."
	case errors.Is(err, ErrUserExists):
		return "Registration failed: User ID already exists. Please choose a different name."
	case errors.Is(err, ErrPasswordTooShort):
		return fmt.Sprintf("Password must be at least %d characters long.", MinPasswordLength)
	case errors.Is(err, ErrInvalidRole):
		return "Registration failed: role must be customer or business."
	case errors.Is(err, ErrCustomerIDRequired):
		return "Registration failed: customer accounts need a customer ID."
	default:
		return "Failed to save new user account."
	}
}
