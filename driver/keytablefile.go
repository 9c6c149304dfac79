package driver

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// defaultBindingName is the binding_name spec.md §6 expects Construct
// to load; a driver's key-table directory may hold further named files
// that are pulled in only via "include" directives (spec.md §6
// "Key-table file format").
const defaultBindingName = "default"

// LoadKeyTable reads tablesDir/<code>/<binding_name>.ktb (spec.md §6's
// initialize path) and inlines any "include <name>" directives it
// contains, since keytable.Compile itself rejects them outright —
// Compile only ever sees a fully expanded file. The returned text has
// every include line replaced by the named file's contents, applied
// recursively so included files may themselves include further ones.
func LoadKeyTable(tablesDir, code string) (string, error) {
	if tablesDir == "" {
		return "", fmt.Errorf("driver: no tables directory configured")
	}
	dir := filepath.Join(tablesDir, code)
	seen := map[string]bool{}
	return loadBinding(dir, code, defaultBindingName, seen)
}

func loadBinding(dir, code, name string, seen map[string]bool) (string, error) {
	if seen[name] {
		return "", fmt.Errorf("driver: key table %s/%s: include cycle at %q", code, defaultBindingName, name)
	}
	seen[name] = true
	defer delete(seen, name)
	path := filepath.Join(dir, name+".ktb")
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("driver: open key table %s: %w", path, err)
	}
	defer f.Close()

	var out strings.Builder
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		fields := strings.Fields(strings.TrimSpace(line))
		if len(fields) == 2 && fields[0] == "include" {
			included, err := loadBinding(dir, code, fields[1], seen)
			if err != nil {
				return "", err
			}
			out.WriteString(included)
			if !strings.HasSuffix(included, "\n") {
				out.WriteByte('\n')
			}
			continue
		}
		out.WriteString(line)
		out.WriteByte('\n')
	}
	if err := sc.Err(); err != nil {
		return "", fmt.Errorf("driver: read key table %s: %w", path, err)
	}
	return out.String(), nil
}
