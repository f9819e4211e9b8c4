package telegramsource

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"
	"golang.org/x/term"

	"github.com/ilyasni/tgparser/internal/infra/logger"
)

// login runs the interactive auth flow once, on first start against a fresh
// session file. Every later start restores the session and never reaches
// here (spec.md's scheduler runs unattended; this path only fires on the
// very first deploy of a given session file).
func (c *Client) login(ctx context.Context) error {
	flow := auth.NewFlow(
		terminalAuthenticator{phoneNumber: c.cfg.PhoneNumber},
		auth.SendCodeOptions{},
	)
	return c.client.Auth().IfNecessary(ctx, flow)
}

// terminalAuthenticator implements auth.UserAuthenticator by prompting
// whoever is attached to the process's stdin/stdout. There is deliberately
// no non-interactive fallback: a service that parses a private channel
// needs a real account behind it, and that account's first login is a
// one-time operator action, not something to automate.
type terminalAuthenticator struct {
	phoneNumber string
}

var _ auth.UserAuthenticator = terminalAuthenticator{}

func (a terminalAuthenticator) Phone(_ context.Context) (string, error) {
	return a.phoneNumber, nil
}

func (a terminalAuthenticator) Password(_ context.Context) (string, error) {
	fmt.Print("Two-factor password: ")
	pw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(pw), nil
}

func (a terminalAuthenticator) AcceptTermsOfService(_ context.Context, tos tg.HelpTermsOfService) error {
	logger.Infof("accepting Telegram terms of service: %s", tos.Text)
	return nil
}

func (a terminalAuthenticator) Code(_ context.Context, _ *tg.AuthSentCode) (string, error) {
	return readLine("Login code: ")
}

func (a terminalAuthenticator) SignUp(_ context.Context) (auth.UserInfo, error) {
	first, err := readLine("First name: ")
	if err != nil {
		return auth.UserInfo{}, err
	}
	last, err := readLine("Last name: ")
	if err != nil {
		return auth.UserInfo{}, err
	}
	return auth.UserInfo{FirstName: first, LastName: last}, nil
}

func readLine(prompt string) (string, error) {
	fmt.Print(prompt)
	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", fmt.Errorf("read input: %w", err)
		}
		return "", fmt.Errorf("read input: unexpected EOF")
	}
	return strings.TrimSpace(scanner.Text()), nil
}
