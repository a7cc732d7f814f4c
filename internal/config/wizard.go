package config

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Wizard provides an interactive configuration wizard
type Wizard struct {
	reader *bufio.Reader
	out    io.Writer
}

// NewWizard creates a wizard reading stdin and writing stdout.
func NewWizard() *Wizard {
	return NewWizardWithIO(os.Stdin, os.Stdout)
}

// NewWizardWithIO creates a wizard on arbitrary streams.
func NewWizardWithIO(in io.Reader, out io.Writer) *Wizard {
	return &Wizard{
		reader: bufio.NewReader(in),
		out:    out,
	}
}

// Run runs the interactive configuration wizard starting from base.
// A nil base starts from DefaultConfig.
func (w *Wizard) Run(base *Config) (*Config, error) {
	fmt.Fprintln(w.out, "=== Tether Configuration Wizard ===")
	fmt.Fprintln(w.out)

	cfg := base
	if cfg == nil {
		cfg = DefaultConfig()
	}
	validator := NewValidator()

	fmt.Fprintln(w.out, "Server:")
	for {
		raw, err := w.ask("Listen port", strconv.Itoa(cfg.Server.Port))
		if err != nil {
			return nil, err
		}
		port, err := strconv.Atoi(raw)
		if err == nil {
			err = validator.ValidatePort(port)
		}
		if err != nil {
			fmt.Fprintf(w.out, "Error: invalid port %q\n", raw)
			continue
		}
		cfg.Server.Port = port
		break
	}

	for {
		secret, err := w.ask("Shared secret (Enter to generate)", "")
		if err != nil {
			return nil, err
		}
		if secret == "" {
			if cfg.Server.SharedSecret != "" {
				break
			}
			secret, err = generateSecret()
			if err != nil {
				return nil, err
			}
			fmt.Fprintln(w.out, "Generated a new shared secret.")
		}
		if err := validator.ValidateSecret("shared secret", secret); err != nil {
			fmt.Fprintf(w.out, "Error: %v\n", err)
			continue
		}
		cfg.Server.SharedSecret = secret
		break
	}

	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, "Client:")
	for {
		serverURL, err := w.ask("Server URL", cfg.Client.ServerURL)
		if err != nil {
			return nil, err
		}
		if err := validator.ValidateURL("server URL", serverURL, "ws", "wss"); err != nil {
			fmt.Fprintf(w.out, "Error: %v\n", err)
			continue
		}
		cfg.Client.ServerURL = serverURL
		break
	}

	apiBase, err := w.ask("API base URL (Enter to skip)", cfg.Client.APIBaseURL)
	if err != nil {
		return nil, err
	}
	cfg.Client.APIBaseURL = apiBase

	credential, err := w.ask("Credential (Enter to keep)", "")
	if err != nil {
		return nil, err
	}
	if credential != "" {
		cfg.Client.Credential = credential
	}

	fmt.Fprintln(w.out)
	for {
		level, err := w.ask("Log level", cfg.Logging.Level)
		if err != nil {
			return nil, err
		}
		if err := validator.ValidateLogLevel(level); err != nil {
			fmt.Fprintf(w.out, "Error: %v\n", err)
			continue
		}
		cfg.Logging.Level = level
		break
	}

	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, "Configuration complete!")

	return cfg, nil
}

// ask prints a prompt and returns the answer, or def for an empty answer.
func (w *Wizard) ask(prompt, def string) (string, error) {
	if def != "" {
		fmt.Fprintf(w.out, "%s [%s]: ", prompt, def)
	} else {
		fmt.Fprintf(w.out, "%s: ", prompt)
	}
	line, err := w.readLine()
	if err != nil {
		return "", err
	}
	if line == "" {
		return def, nil
	}
	return line, nil
}

func (w *Wizard) readLine() (string, error) {
	line, err := w.reader.ReadString('\n')
	if err != nil {
		if err == io.EOF && line != "" {
			return strings.TrimSpace(line), nil
		}
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
