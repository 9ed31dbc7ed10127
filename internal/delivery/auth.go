package delivery

import (
	"fmt"
	"strings"

	"github.com/emersion/go-sasl"
)

// mechanismPreference lists the supported mechanisms, best first
var mechanismPreference = []string{sasl.Plain, sasl.Login}

// selectMechanism picks the mechanism to log in with from the AUTH extension
// parameter. A configured mechanism must be advertised; otherwise the first
// advertised entry of mechanismPreference wins.
func selectMechanism(advertised, preferred string) (string, error) {
	offered := make(map[string]bool)
	for _, mech := range strings.Fields(advertised) {
		offered[strings.ToUpper(mech)] = true
	}

	if preferred != "" {
		preferred = strings.ToUpper(preferred)
		if !offered[preferred] {
			return "", fmt.Errorf("mechanism %s not advertised (offered: %q)", preferred, advertised)
		}
		return preferred, nil
	}

	for _, mech := range mechanismPreference {
		if offered[mech] {
			return mech, nil
		}
	}
	return "", fmt.Errorf("no supported mechanism advertised (offered: %q)", advertised)
}

func newSASLClient(mech, username, password string) (sasl.Client, error) {
	switch mech {
	case sasl.Plain:
		return sasl.NewPlainClient("", username, password), nil
	case sasl.Login:
		return sasl.NewLoginClient(username, password), nil
	default:
		return nil, fmt.Errorf("unsupported mechanism %s", mech)
	}
}
