package toolbox

import (
	"fmt"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

var shellChecks = []func(*syntax.CallExpr) error{
	noGitIdentityChanges,
	noSudo,
}

// checkShellScript inspects script and returns an error if it ought not be
// executed. It DOES NOT PROVIDE SECURITY against malicious actors; it
// catches straightforward mistakes where the model does things it was
// instructed not to do.
func checkShellScript(script string) error {
	r := strings.NewReader(script)
	parser := syntax.NewParser()
	file, err := parser.Parse(r, "")
	if err != nil {
		// Execution will fail too, and bash produces the better error
		// message.
		return nil
	}

	err = nil
	syntax.Walk(file, func(node syntax.Node) bool {
		if err != nil {
			return false
		}
		callExpr, ok := node.(*syntax.CallExpr)
		if !ok {
			return true
		}
		for _, check := range shellChecks {
			if err = check(callExpr); err != nil {
				return false
			}
		}
		return true
	})
	return err
}

// noGitIdentityChanges rejects git config changes to user.name/user.email.
// Simple heuristics; false positives and negatives both possible.
func noGitIdentityChanges(cmd *syntax.CallExpr) error {
	if len(cmd.Args) < 3 || cmd.Args[0].Lit() != "git" {
		return nil
	}
	configIndex := -1
	for i, arg := range cmd.Args {
		if arg.Lit() == "config" {
			configIndex = i
			break
		}
	}
	if configIndex < 0 || configIndex == len(cmd.Args)-1 {
		return nil
	}
	for i := configIndex + 1; i < len(cmd.Args)-1; i++ {
		key := cmd.Args[i].Lit()
		if key == "user.name" || key == "user.email" {
			return fmt.Errorf("permission denied: changing git config username/email is not allowed, use env vars instead")
		}
	}
	return nil
}

func noSudo(cmd *syntax.CallExpr) error {
	if len(cmd.Args) > 0 && cmd.Args[0].Lit() == "sudo" {
		return fmt.Errorf("permission denied: sudo is not available in the session workspace")
	}
	return nil
}
