package security

import (
	"github.com/BegaDeveloper/proofsh/internal/toolerr"
)

// verifyFlags maps each forwardable verification flag to whether it takes a value.
var verifyFlags = map[string]bool{
	"--quiet":          false,
	"--verbose":        false,
	"--tests":          false,
	"--harness":        true,
	"--default-unwind": true,
	"--unwind":         true,
}

// ValidateVerifyArgs returns args unchanged when every token is an allowed flag or the
// value of the flag before it. The first offending token is reported.
func ValidateVerifyArgs(args []string) ([]string, error) {
	validated := make([]string, 0, len(args))
	for index := 0; index < len(args); index++ {
		token := args[index]
		takesValue, allowed := verifyFlags[token]
		if !allowed {
			return nil, toolerr.New(toolerr.KindInvalidArgument, "verification flag not allowed: %s", token).WithToken(token)
		}
		validated = append(validated, token)
		if !takesValue {
			continue
		}
		if index+1 >= len(args) {
			return nil, toolerr.New(toolerr.KindInvalidArgument, "flag %s requires a value", token).WithToken(token)
		}
		index++
		validated = append(validated, args[index])
	}
	return validated, nil
}

func AllowedVerifyFlags() []string {
	return []string{"--quiet", "--verbose", "--tests", "--harness", "--default-unwind", "--unwind"}
}
