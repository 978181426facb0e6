package client

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aeolun/messageu/pkg/protocol"
)

// IdentityFile is the default name of the file holding the registered
// identity.
const IdentityFile = "me.info"

// ErrNoIdentity is returned when no identity file exists yet.
var ErrNoIdentity = errors.New("not registered yet")

// Identity is what a client keeps after registering: its username on the
// first line of the file and its hex client id on the second.
type Identity struct {
	Username string
	ID       protocol.ClientID
}

// LoadIdentity reads an identity file.
func LoadIdentity(path string) (Identity, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return Identity{}, fmt.Errorf("%w: %s does not exist", ErrNoIdentity, path)
	}
	if err != nil {
		return Identity{}, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	var lines []string
	for scanner.Scan() && len(lines) < 2 {
		lines = append(lines, strings.TrimSpace(scanner.Text()))
	}
	if err := scanner.Err(); err != nil {
		return Identity{}, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if len(lines) < 2 {
		return Identity{}, fmt.Errorf("%s: expected a username line and a client id line", path)
	}
	if len(lines[0]) == 0 || len(lines[0]) >= protocol.UsernameSize {
		return Identity{}, fmt.Errorf("%s: invalid username", path)
	}

	id, err := protocol.ParseClientID(lines[1])
	if err != nil {
		return Identity{}, fmt.Errorf("%s: %w", path, err)
	}
	return Identity{Username: lines[0], ID: id}, nil
}

// Save writes the identity, creating parent directories as needed.
func (i Identity) Save(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	content := fmt.Sprintf("%s\n%s\n", i.Username, i.ID)
	return os.WriteFile(path, []byte(content), 0600)
}
