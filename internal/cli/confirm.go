// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// confirm.go - Interactive cost confirmation prompt.
//
// The prompt shows the selected model, tier, and estimated cost, and
// accepts one of:
//   y / yes      run the operation as selected
//   n / no       abort (also the default on empty input)
//   <tier name>  substitute a cheaper tier
//
// Without a TTY the prompt cannot run; the operation is aborted with a
// hint to pass --no-confirm. A configured timeout also resolves to
// abort, never to a silent proceed.

package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/peterh/liner"

	"github.com/jeranaias/taskrun/internal/engine"
	"github.com/jeranaias/taskrun/internal/router"
)

// maxPromptRetries bounds re-prompting on unrecognized answers.
const maxPromptRetries = 3

// PromptConfirmer asks the user to approve an estimated cost before an
// operation runs. Implements engine.Confirmer.
type PromptConfirmer struct {
	// Registry validates tier names given as substitution answers.
	Registry *router.Registry
	// Timeout bounds the wait for an answer. Zero means wait forever.
	Timeout time.Duration

	// readLine overrides the liner-backed reader in tests.
	readLine func(prompt string) (string, error)
	// stdinLost is set after a timed-out or cancelled prompt: the reader
	// goroutine still owns stdin until it sees a newline, so a later
	// prompt cannot run safely and must resolve to abort instead.
	stdinLost bool
}

// Confirm presents the selection and collects a decision.
func (c *PromptConfirmer) Confirm(ctx context.Context, sel router.SelectionResult) (engine.Confirmation, error) {
	abort := engine.Confirmation{Decision: engine.DecisionAbort}

	if c.stdinLost {
		PrintWarning("confirmation required for %s but a previous prompt timed out; aborting (use --no-confirm to bypass)", sel.ModelID)
		return abort, nil
	}
	if c.readLine == nil && !IsTTY() {
		PrintWarning("confirmation required for %s (est %s) but stdin is not a terminal; aborting (use --no-confirm to bypass)",
			sel.ModelID, fmt.Sprintf("$%.4f", sel.EstimatedCost))
		return abort, nil
	}

	fmt.Println(TitleStyle.Render("Cost confirmation"))
	fmt.Println(LabelStyle.Render("Model") + ValueStyle.Render(sel.ModelID))
	fmt.Println(LabelStyle.Render("Tier") + ValueStyle.Render(sel.Tier.String()))
	fmt.Println(LabelStyle.Render("Estimated cost") + CostStyle.Render(fmt.Sprintf("$%.4f", sel.EstimatedCost)))
	fmt.Println(LabelStyle.Render("Tokens") + ValueStyle.Render(fmt.Sprintf("~%d in / ~%d out", sel.EstimatedInputTokens, sel.EstimatedOutputTokens)))
	fmt.Println(LabelStyle.Render("Reason") + DimStyle.Render(sel.Reason))

	for attempt := 0; attempt < maxPromptRetries; attempt++ {
		answer, err := c.promptLine(ctx, "Proceed? [y/N/<tier name>] ")
		if err != nil {
			if errors.Is(err, errPromptTimeout) {
				PrintWarning("confirmation timed out after %s; aborting", c.Timeout)
				return abort, nil
			}
			if errors.Is(err, liner.ErrPromptAborted) {
				return abort, nil
			}
			return abort, err
		}

		conf, ok := c.parseAnswer(answer)
		if ok {
			return conf, nil
		}
		fmt.Fprintf(os.Stderr, "Unrecognized answer %q. Enter y, n, or one of: %s\n",
			answer, strings.Join(registeredTierNames(c.Registry), ", "))
	}
	return abort, nil
}

// parseAnswer maps one line of input to a decision. The second return
// is false for unrecognized input.
func (c *PromptConfirmer) parseAnswer(answer string) (engine.Confirmation, bool) {
	answer = strings.ToLower(strings.TrimSpace(answer))
	switch answer {
	case "y", "yes":
		return engine.Confirmation{Decision: engine.DecisionProceed}, true
	case "", "n", "no":
		return engine.Confirmation{Decision: engine.DecisionAbort}, true
	}

	tier, err := router.ParseTier(answer)
	if err != nil {
		return engine.Confirmation{}, false
	}
	if c.Registry != nil {
		if _, err := c.Registry.GetTier(tier); err != nil {
			return engine.Confirmation{}, false
		}
	}
	return engine.Confirmation{Decision: engine.DecisionSubstitute, Tier: tier}, true
}

var errPromptTimeout = errors.New("confirmation prompt timed out")

// promptLine reads one line, honoring the timeout and the caller's
// context. The liner session is closed by the reader goroutine after
// Prompt returns, never out from under it; when the wait is abandoned
// first, stdinLost marks the confirmer so no further prompt is started
// while the reader still holds stdin.
func (c *PromptConfirmer) promptLine(ctx context.Context, prompt string) (string, error) {
	read := c.readLine
	if read == nil {
		line := liner.NewLiner()
		line.SetCtrlCAborts(true)
		read = func(p string) (string, error) {
			defer line.Close()
			return line.Prompt(p)
		}
	}

	type result struct {
		text string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		text, err := read(prompt)
		ch <- result{text, err}
	}()

	var timeout <-chan time.Time
	if c.Timeout > 0 {
		timer := time.NewTimer(c.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case r := <-ch:
		return r.text, r.err
	case <-timeout:
		c.stdinLost = true
		return "", errPromptTimeout
	case <-ctx.Done():
		c.stdinLost = true
		return "", ctx.Err()
	}
}

// registeredTierNames lists the valid substitution answers.
func registeredTierNames(reg *router.Registry) []string {
	if reg == nil {
		all := router.AllTiers()
		names := make([]string, 0, len(all))
		for _, t := range all {
			names = append(names, t.String())
		}
		return names
	}
	tiers := reg.Tiers()
	names := make([]string, 0, len(tiers))
	for _, mt := range tiers {
		names = append(names, mt.Tier.String())
	}
	return names
}
