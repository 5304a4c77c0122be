package settings

import (
	"fmt"
	"os"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
)

// LoadBootstrapDefaults reads a JSON5 (or plain JSON, a subset of JSON5)
// bootstrap file into Defaults, following internal/config/loader.go's
// format-by-extension dispatch: ".json"/".json5" both go through the
// tolerant json5 unmarshaler (comments, trailing commas, unquoted keys),
// since an operator-edited bootstrap file is more likely to carry both than
// a machine-generated one. Unknown keys are dropped the same way
// applyWhitelisted drops them for user/request overrides; an absent file is
// not an error, since the bootstrap layer is optional (env vars and
// in-process defaults still apply).
func LoadBootstrapDefaults(path string) (Defaults, error) {
	out := make(Defaults)
	if strings.TrimSpace(path) == "" {
		return out, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, fmt.Errorf("read bootstrap settings file: %w", err)
	}

	var raw map[string]any
	if err := json5.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse bootstrap settings file %s: %w", path, err)
	}
	for k, v := range raw {
		if !isWhitelisted(k) {
			continue
		}
		out[Key(k)] = fmt.Sprint(v)
	}
	return out, nil
}
