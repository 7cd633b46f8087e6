package output

import (
	"fmt"
	"io"

	"github.com/cli/go-gh/v2/pkg/tableprinter"
)

// RepositoryStatus is one synced repository.
type RepositoryStatus struct {
	Repository string
	LastSync   string
	CachedAt   string
}

// FileSize is one cache file and its size on disk.
type FileSize struct {
	Name  string
	Bytes int64
}

// Status is everything the status command prints.
type Status struct {
	CacheDir         string
	Repositories     []RepositoryStatus
	Files            []FileSize
	ResultsEntries   int
	ResultsSizeBytes int64
}

// WriteStatus renders the cache status as tables. Without a TTY the tables
// come out tab-separated for scripting.
func WriteStatus(w io.Writer, status Status, isTTY bool, width int) error {
	fmt.Fprintf(w, "Cache directory: %s\n\n", status.CacheDir)

	if len(status.Repositories) == 0 {
		fmt.Fprintln(w, "No repositories cached.")
	} else {
		tp := tableprinter.New(w, isTTY, width)
		tp.AddHeader([]string{"REPOSITORY", "LAST SYNC", "CACHED AT"})
		for _, r := range status.Repositories {
			tp.AddField(r.Repository)
			tp.AddField(r.LastSync)
			tp.AddField(r.CachedAt)
			tp.EndRow()
		}
		if err := tp.Render(); err != nil {
			return err
		}
	}
	fmt.Fprintln(w)

	tp := tableprinter.New(w, isTTY, width)
	tp.AddHeader([]string{"FILE", "SIZE"})
	var total int64
	for _, f := range status.Files {
		tp.AddField(f.Name)
		tp.AddField(formatBytes(f.Bytes))
		tp.EndRow()
		total += f.Bytes
	}
	tp.AddField("total")
	tp.AddField(formatBytes(total))
	tp.EndRow()
	if err := tp.Render(); err != nil {
		return err
	}

	fmt.Fprintf(w, "\nResults cache: %d entries, %s\n", status.ResultsEntries, formatBytes(status.ResultsSizeBytes))
	return nil
}

func formatBytes(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
