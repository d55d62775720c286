package cloudservice

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/core-tools/hsu-tubes/pkg/environment"
	"github.com/core-tools/hsu-tubes/pkg/errors"
	"github.com/core-tools/hsu-tubes/pkg/logging"
)

// ManifestFileName is the package manifest scanned in sibling directories
// of the base directory.
const ManifestFileName = "package.json"

type manifest struct {
	Name string      `json:"name"`
	Bin  interface{} `json:"bin"`
}

// ResolveExecutable finds the binary of service name: the configured path
// first, then the first sibling manifest declaring a matching binary.
func ResolveExecutable(env *environment.Environment, name string, logger logging.Logger) (string, error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	if service, ok := env.Service(name); ok && service.Executable != "" {
		return resolvePath(env.BaseDir(), service.Executable), nil
	}

	files, err := filepath.Glob(filepath.Join(env.BaseDir(), "*", ManifestFileName))
	if err != nil {
		return "", errors.NewDiscoveryError("invalid manifest pattern", err)
	}
	for _, file := range files {
		logger.Debugf("Checking %s with %s", name, file)
		if executable, ok := executableFromManifest(file, name, logger); ok {
			return executable, nil
		}
	}

	return "", errors.NewDiscoveryError("no executable found for service "+name, nil).
		WithContext("base_dir", env.BaseDir())
}

func executableFromManifest(file, name string, logger logging.Logger) (string, bool) {
	data, err := os.ReadFile(file)
	if err != nil {
		logger.Warnf("Failed to read manifest, file: %s, error: %v", file, err)
		return "", false
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		logger.Warnf("Failed to parse manifest, file: %s, error: %v", file, err)
		return "", false
	}
	if m.Name != name || m.Bin == nil {
		return "", false
	}

	dir := filepath.Dir(file)
	switch bin := m.Bin.(type) {
	case string:
		return resolvePath(dir, bin), true
	case map[string]interface{}:
		if path, ok := bin[name].(string); ok && path != "" {
			return resolvePath(dir, path), true
		}
	}
	return "", false
}

func resolvePath(dir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}
