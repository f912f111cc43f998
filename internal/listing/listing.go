// Package listing renders ledgered packages: the markdown list embedded in
// the index README and the tables printed by the CLI.
package listing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/dyluth/herald/internal/ledger"
	"github.com/dyluth/herald/internal/manifest"
	"github.com/olekukonko/tablewriter"
)

// DefaultWebURL prefixes owner profile links.
const DefaultWebURL = "https://github.com"

// Latest keeps the highest version of each package, ordered by group and name.
func Latest(packages []ledger.Package) []ledger.Package {
	sorted := make([]ledger.Package, len(packages))
	copy(sorted, packages)
	Sort(sorted)

	var latest []ledger.Package
	for _, p := range sorted {
		if n := len(latest); n > 0 && latest[n-1].Group == p.Group && latest[n-1].Name == p.Name {
			continue
		}
		latest = append(latest, p)
	}
	return latest
}

// Sort orders packages by group, then name, then version descending.
func Sort(packages []ledger.Package) {
	sort.SliceStable(packages, func(i, j int) bool {
		a, b := packages[i], packages[j]
		if a.Group != b.Group {
			return a.Group < b.Group
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return manifest.CompareVersions(a.Version, b.Version) > 0
	})
}

// Readme renders one markdown line per package, at its latest version:
//
//	- `group/name version` *description* @[owner](<web>/owner)
func Readme(ctx context.Context, l ledger.Ledger, webURL string) (string, error) {
	if webURL == "" {
		webURL = DefaultWebURL
	}
	webURL = strings.TrimSuffix(webURL, "/")

	packages, err := l.QueryPackages(ctx, "")
	if err != nil {
		return "", err
	}

	owners := make(map[int64]string)
	var b strings.Builder
	for _, p := range Latest(packages) {
		owner, err := ownerName(ctx, l, owners, p.UserID)
		if err != nil {
			return "", err
		}
		description := p.Description
		if description == "" {
			description = "no description"
		}
		fmt.Fprintf(&b, "- `%s/%s %s` *%s* @[%s](%s/%s)\n",
			p.Group, p.Name, p.Version, description, owner, webURL, owner)
	}
	return b.String(), nil
}

func ownerName(ctx context.Context, l ledger.Ledger, cache map[int64]string, id int64) (string, error) {
	if name, ok := cache[id]; ok {
		return name, nil
	}
	u, err := l.GetUser(ctx, id)
	if err != nil {
		return "", fmt.Errorf("failed to look up owner %d: %w", id, err)
	}
	cache[id] = u.Name
	return u.Name, nil
}

// Row is a package record joined with its owner's name.
type Row struct {
	ledger.Package
	Owner string `json:"owner"`
}

// Rows joins packages with their owners. Unknown owners render as "-".
func Rows(ctx context.Context, l ledger.Ledger, packages []ledger.Package) ([]Row, error) {
	owners := make(map[int64]string)
	rows := make([]Row, 0, len(packages))
	for _, p := range packages {
		owner, err := ownerName(ctx, l, owners, p.UserID)
		if ledger.IsNotFound(err) {
			owner = "-"
		} else if err != nil {
			return nil, err
		}
		rows = append(rows, Row{Package: p, Owner: owner})
	}
	return rows, nil
}

// FormatTable writes rows as an aligned table. Returns the number of rows written.
func FormatTable(w io.Writer, rows []Row) (int, error) {
	if len(rows) == 0 {
		fmt.Fprintln(w, "No packages found")
		return 0, nil
	}

	table := tablewriter.NewWriter(w)
	table.Header("PACKAGE", "VERSION", "OWNER", "DESCRIPTION")
	for _, r := range rows {
		if err := table.Append([]string{r.Group + "/" + r.Name, r.Version, r.Owner, formatDescription(r.Description)}); err != nil {
			return 0, fmt.Errorf("failed to add row: %w", err)
		}
	}
	if err := table.Render(); err != nil {
		return 0, fmt.Errorf("failed to render table: %w", err)
	}

	countMsg := "package"
	if len(rows) != 1 {
		countMsg = "packages"
	}
	fmt.Fprintf(w, "\n%d %s found\n", len(rows), countMsg)
	return len(rows), nil
}

// FormatJSONL writes each row as a single JSON object on its own line.
func FormatJSONL(w io.Writer, rows []Row) error {
	for _, r := range rows {
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to marshal package to JSON: %w", err)
		}
		if _, err := fmt.Fprintf(w, "%s\n", data); err != nil {
			return fmt.Errorf("failed to write JSONL output: %w", err)
		}
	}
	return nil
}

// formatDescription keeps the first line, truncated to 40 characters.
func formatDescription(description string) string {
	line := strings.TrimSpace(strings.SplitN(description, "\n", 2)[0])
	if line == "" {
		return "-"
	}
	if len(line) > 40 {
		return line[:37] + "..."
	}
	return line
}
