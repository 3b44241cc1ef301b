package capability

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

const passwdFile = "/etc/passwd"

// LocalUsers manages accounts with the shadow-utils commands. Mutations are
// serialized: useradd, userdel and chpasswd all rewrite the same databases.
type LocalUsers struct {
	runner     Runner
	passwdPath string
	mu         sync.Mutex
}

func NewLocalUsers(runner Runner) *LocalUsers {
	return &LocalUsers{runner: runner, passwdPath: passwdFile}
}

// List returns every account name in /etc/passwd, in file order.
func (u *LocalUsers) List(ctx context.Context) ([]string, error) {
	f, err := os.Open(u.passwdPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parsePasswd(f)
}

func parsePasswd(r io.Reader) ([]string, error) {
	users := []string{}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, _, _ := strings.Cut(line, ":")
		if name != "" {
			users = append(users, name)
		}
	}
	return users, scanner.Err()
}

func (u *LocalUsers) Add(ctx context.Context, username, password string) error {
	if err := validateCredentials(username, password); err != nil {
		return err
	}
	u.mu.Lock()
	defer u.mu.Unlock()

	if _, err := u.runner.Run(ctx, nil, "useradd", "-m", username); err != nil {
		return err
	}
	return u.setPassword(ctx, username, password)
}

func (u *LocalUsers) Remove(ctx context.Context, username string) error {
	if err := argument("username", username); err != nil {
		return err
	}
	u.mu.Lock()
	defer u.mu.Unlock()

	_, err := u.runner.Run(ctx, nil, "userdel", "-r", username)
	return err
}

func (u *LocalUsers) ChangePassword(ctx context.Context, username, password string) error {
	if err := validateCredentials(username, password); err != nil {
		return err
	}
	u.mu.Lock()
	defer u.mu.Unlock()

	return u.setPassword(ctx, username, password)
}

// setPassword feeds "user:password" to chpasswd on stdin so the password never
// appears in the process table.
func (u *LocalUsers) setPassword(ctx context.Context, username, password string) error {
	_, err := u.runner.Run(ctx, []byte(username+":"+password+"\n"), "chpasswd")
	return err
}

func validateCredentials(username, password string) error {
	if err := argument("username", username); err != nil {
		return err
	}
	if strings.Contains(username, ":") {
		return fmt.Errorf("%w: username contains ':'", ErrInvalidArgument)
	}
	if password == "" || strings.ContainsAny(password, "\n\r") {
		return fmt.Errorf("%w: password must be a single non-empty line", ErrInvalidArgument)
	}
	return nil
}
