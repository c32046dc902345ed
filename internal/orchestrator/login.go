// internal/orchestrator/login.go
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kestrelworks/sitewright/api/schemas"
)

// Candidate selectors for login form fields, in preference order. The first
// selector that resolves on the page wins; sites with unconventional forms
// fail fast with ErrLoginFailed rather than guessing further.
var (
	usernameSelectors = []string{
		`input[name="username"]`,
		`input[name="email"]`,
		`input[type="email"]`,
		`input[name="login"]`,
		`#username`,
		`#email`,
	}
	passwordSelectors = []string{
		`input[name="password"]`,
		`input[type="password"]`,
		`#password`,
	}
	submitSelectors = []string{
		`button[type="submit"]`,
		`input[type="submit"]`,
		`form button`,
	}
)

const (
	loginSettleTimeout = 10 * time.Second
	loginPollInterval  = 250 * time.Millisecond
)

// performLogin fills the first recognizable login form and submits it.
// Success is judged by the page URL changing after submit. That heuristic is
// blind to single-page apps that authenticate in place; those sites need a
// pre-captured session state instead of credentials.
func (o *Orchestrator) performLogin(ctx context.Context, driver pageDriver, creds *schemas.Credentials, logger *zap.Logger) error {
	before, err := driver.CurrentURL(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLoginFailed, err)
	}

	userSel, err := firstPresent(ctx, driver, usernameSelectors)
	if err != nil {
		return fmt.Errorf("%w: no username field found", ErrLoginFailed)
	}
	passSel, err := firstPresent(ctx, driver, passwordSelectors)
	if err != nil {
		return fmt.Errorf("%w: no password field found", ErrLoginFailed)
	}

	if err := driver.Fill(ctx, userSel, creds.Username); err != nil {
		return fmt.Errorf("%w: %v", ErrLoginFailed, err)
	}
	if err := driver.Fill(ctx, passSel, creds.Password); err != nil {
		return fmt.Errorf("%w: %v", ErrLoginFailed, err)
	}

	submitSel, err := firstPresent(ctx, driver, submitSelectors)
	if err != nil {
		return fmt.Errorf("%w: no submit control found", ErrLoginFailed)
	}
	if err := driver.Click(ctx, submitSel); err != nil {
		return fmt.Errorf("%w: %v", ErrLoginFailed, err)
	}

	if err := waitForURLChange(ctx, driver, before); err != nil {
		return err
	}

	logger.Info("Login flow completed.",
		zap.String("username_field", userSel),
		zap.String("submit_control", submitSel))
	return nil
}

// firstPresent returns the first selector in candidates that matches at
// least one element on the page.
func firstPresent(ctx context.Context, driver pageDriver, candidates []string) (string, error) {
	for _, sel := range candidates {
		n, err := driver.Count(ctx, sel)
		if err != nil {
			return "", err
		}
		if n > 0 {
			return sel, nil
		}
	}
	return "", fmt.Errorf("no candidate selector matched")
}

// waitForURLChange polls the page URL until it differs from before or the
// settle timeout elapses.
func waitForURLChange(ctx context.Context, driver pageDriver, before string) error {
	deadline := time.NewTimer(loginSettleTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(loginPollInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrLoginFailed, ctx.Err())
		case <-deadline.C:
			return fmt.Errorf("%w: page URL unchanged after submit", ErrLoginFailed)
		case <-tick.C:
			current, err := driver.CurrentURL(ctx)
			if err != nil {
				continue // transient during navigation
			}
			if current != before {
				return nil
			}
		}
	}
}
