// ABOUTME: Typed parameter store backed by config/parameters.yaml
// ABOUTME: Hot-writable: Set updates memory and rewrites the file under a lock

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// ErrUnknownParameter is returned by Set for keys outside the fixed set.
var ErrUnknownParameter = fmt.Errorf("unknown parameter")

// Parameters enumerates every recognised runtime option. The set is fixed;
// unknown keys in the file are rejected at load time.
type Parameters struct {
	BotToken              string `yaml:"bot_token"`
	ShopID                int    `yaml:"shop_id"`
	SecretWord1           string `yaml:"secret_word_1"`
	SecretWord2           string `yaml:"secret_word_2"`
	YookassaProviderToken string `yaml:"yookassa_provider_token"`
	FreeCommentsLimit     int    `yaml:"free_comments_limit"`
	ParseCommentsCost     int    `yaml:"parse_comments_cost"`
	HistoryParseCost      int    `yaml:"history_parse_cost"`
	SupportLink           string `yaml:"support_link"`
	RequiredChannels      string `yaml:"required_channels"`
	ReceiptVATCode        int    `yaml:"receipt_vat_code"`
	ReceiptPaymentMode    string `yaml:"receipt_payment_mode"`
	ReceiptPaymentSubject string `yaml:"receipt_payment_subject"`
}

// file is the on-disk shape: a single "parameters" mapping.
type file struct {
	Parameters Parameters `yaml:"parameters"`
}

// Manager owns the in-memory parameter values and the backing file.
// Reads return the in-memory value; writes update both.
type Manager struct {
	mu     sync.RWMutex
	path   string
	params Parameters
}

// Load reads the parameters file, applies defaults, and validates required
// fields. A missing file or missing credential is fatal by design.
func Load(path string) (*Manager, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading parameters file: %w", err)
	}

	var f file
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parsing parameters file: %w", err)
	}

	applyDefaults(&f.Parameters)

	if err := validate(&f.Parameters); err != nil {
		return nil, fmt.Errorf("validating parameters: %w", err)
	}

	return &Manager{path: path, params: f.Parameters}, nil
}

func applyDefaults(p *Parameters) {
	if p.ReceiptVATCode == 0 {
		p.ReceiptVATCode = 1
	}
	if p.ReceiptPaymentMode == "" {
		p.ReceiptPaymentMode = "full_payment"
	}
	if p.ReceiptPaymentSubject == "" {
		p.ReceiptPaymentSubject = "commodity"
	}
}

func validate(p *Parameters) error {
	if p.BotToken == "" {
		return fmt.Errorf("bot_token is required")
	}
	if p.HistoryParseCost < 0 {
		return fmt.Errorf("history_parse_cost must be non-negative")
	}
	if p.ParseCommentsCost < 0 {
		return fmt.Errorf("parse_comments_cost must be non-negative")
	}
	return nil
}

// Snapshot returns a copy of the current parameter values.
func (m *Manager) Snapshot() Parameters {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.params
}

// RequiredChannelList splits the required_channels option into handles.
// Empty items are dropped.
func (m *Manager) RequiredChannelList() []string {
	m.mu.RLock()
	raw := m.params.RequiredChannels
	m.mu.RUnlock()

	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Set updates a single parameter by key, coercing the raw value to the type
// of the current value, and persists the whole set to disk.
func (m *Manager) Set(key, raw string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.params
	switch key {
	case "bot_token":
		next.BotToken = raw
	case "shop_id":
		v, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("shop_id: %w", err)
		}
		next.ShopID = v
	case "secret_word_1":
		next.SecretWord1 = raw
	case "secret_word_2":
		next.SecretWord2 = raw
	case "yookassa_provider_token":
		next.YookassaProviderToken = raw
	case "free_comments_limit":
		v, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("free_comments_limit: %w", err)
		}
		next.FreeCommentsLimit = v
	case "parse_comments_cost":
		v, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("parse_comments_cost: %w", err)
		}
		next.ParseCommentsCost = v
	case "history_parse_cost":
		v, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("history_parse_cost: %w", err)
		}
		next.HistoryParseCost = v
	case "support_link":
		next.SupportLink = raw
	case "required_channels":
		next.RequiredChannels = raw
	case "receipt_vat_code":
		v, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("receipt_vat_code: %w", err)
		}
		next.ReceiptVATCode = v
	case "receipt_payment_mode":
		next.ReceiptPaymentMode = raw
	case "receipt_payment_subject":
		next.ReceiptPaymentSubject = raw
	default:
		return fmt.Errorf("%w: %s", ErrUnknownParameter, key)
	}

	if err := validate(&next); err != nil {
		return err
	}

	if err := writeFile(m.path, next); err != nil {
		return err
	}
	m.params = next
	return nil
}

func writeFile(path string, p Parameters) error {
	data, err := yaml.Marshal(file{Parameters: p})
	if err != nil {
		return fmt.Errorf("encoding parameters: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing parameters file: %w", err)
	}
	return nil
}
