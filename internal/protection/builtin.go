package protection

import (
	"fmt"

	"github.com/pemistahl/lingua-go"
)

// Deps are the collaborators the built-in protections read from.
type Deps struct {
	Lists   BanLookup
	Members JoinLookup
	// Detector may be nil, in which case the global detector is loaded
	// when the language protection first needs it.
	Detector    lingua.LanguageDetector
	LocalServer string
}

// Builtins returns one instance of every built-in protection.
func Builtins(deps Deps) []Protection {
	return []Protection{
		NewPolicyList(deps.Lists),
		NewBasicFlooding(),
		NewFirstMessageIsLink(),
		NewFirstMessageIsMedia(),
		NewMentionSpam(),
		NewMessageMaxLength(deps.LocalServer),
		NewWordList(deps.Members),
		NewLanguage(deps.Detector),
		NewTrustedReporters(),
	}
}

// RegisterBuiltins registers every built-in protection, disabled.
func RegisterBuiltins(p *Pipeline, deps Deps) error {
	for _, prot := range Builtins(deps) {
		if err := p.RegisterProtection(prot); err != nil {
			return fmt.Errorf("failed to register built-in protections: %w", err)
		}
	}
	return nil
}
