package precheck

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// DefaultAliases maps import names to the distribution that provides them where the two differ
var DefaultAliases = map[string]string{
	"cv2":      "opencv-python",
	"PIL":      "Pillow",
	"sklearn":  "scikit-learn",
	"yaml":     "PyYAML",
	"dateutil": "python-dateutil",
	"bs4":      "beautifulsoup4",
	"dotenv":   "python-dotenv",
}

// Result of checking one script
type Result struct {
	Missing   []string
	Available []string
}

func (r Result) OK() bool {
	return len(r.Missing) == 0
}

// MissingPackagesError carries the packages a script needs but the environment lacks. Its
// message is meant to be shown to the script's owner.
type MissingPackagesError struct {
	Missing []string
}

func (e *MissingPackagesError) Error() string {
	return fmt.Sprintf(`Missing Python packages detected!

Your script requires the following packages that are not installed:
%s

To install these packages, run:
%s

Or ask your administrator to install them in the worker environment.`,
		strings.Join(e.Missing, ", "), InstallCommand(e.Missing))
}

// InstallCommand returns the pip command that installs packages
func InstallCommand(packages []string) string {
	if len(packages) == 0 {
		return ""
	}
	return "pip install " + strings.Join(packages, " ")
}

// Checker verifies that a script's third-party imports are installed before it is launched
type Checker struct {
	inventory Inventory
	aliases   map[string]string

	mu        sync.Mutex
	installed map[string]bool
}

func NewChecker(inventory Inventory, extraAliases map[string]string) *Checker {
	aliases := make(map[string]string, len(DefaultAliases)+len(extraAliases))
	for k, v := range DefaultAliases {
		aliases[k] = v
	}
	for k, v := range extraAliases {
		aliases[k] = v
	}
	return &Checker{inventory: inventory, aliases: aliases}
}

// Refresh reloads the installed package set
func (c *Checker) Refresh(ctx context.Context) error {
	packages, err := c.inventory.Installed(ctx)
	if err != nil {
		return err
	}

	installed := make(map[string]bool, len(packages))
	for _, p := range packages {
		installed[NormalizeName(p)] = true
	}

	c.mu.Lock()
	c.installed = installed
	c.mu.Unlock()

	log.Info().Int("packages", len(installed)).Msg("Loaded installed package inventory")
	return nil
}

// Check reads the script at path and reports which of its imports are not installed. An
// unreadable script is an error; an inventory that cannot be loaded is treated as empty.
func (c *Checker) Check(ctx context.Context, path string) (Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("could not read script: %w", err)
	}
	defer func() {
		if err := f.Close(); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Could not close script")
		}
	}()

	imports, err := ExtractImports(f)
	if err != nil {
		return Result{}, fmt.Errorf("could not parse imports: %w", err)
	}

	installed := c.installedSet(ctx)

	var res Result
	for _, name := range imports {
		if IsStdlib(name) {
			continue
		}

		pkg := name
		if alias, ok := c.aliases[name]; ok {
			pkg = alias
		}
		if installed[NormalizeName(pkg)] {
			res.Available = append(res.Available, pkg)
		} else if !slices.Contains(res.Missing, pkg) {
			res.Missing = append(res.Missing, pkg)
		}
	}

	if !res.OK() {
		log.Warn().Str("path", path).Strs("missing", res.Missing).Msg("Script has missing packages")
	}
	return res, nil
}

func (c *Checker) installedSet(ctx context.Context) map[string]bool {
	c.mu.Lock()
	loaded := c.installed != nil
	c.mu.Unlock()

	if !loaded {
		if err := c.Refresh(ctx); err != nil {
			log.Error().Err(err).Msg("Could not load installed packages")
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.installed
}

// NormalizeName canonicalizes a distribution name so that PyYAML, pyyaml and py_yaml compare equal
func NormalizeName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.NewReplacer("_", "-", ".", "-").Replace(name)
}
