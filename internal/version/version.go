package version

import (
	"fmt"
	"log"
	"strings"

	"github.com/pgproxy/gateway/theme"
)

var (
	Name        = "pgproxy"
	Authors     = "pgproxy contributors"
	Description = "Rotating HTTP/CONNECT proxy gateway"
	Version     = "v0.0.1"
	Commit      = "none"
	Date        = "nowish"
	User        = "local"
)

const (
	GithubHomeText  = "github.com/pgproxy/gateway"
	GithubHomeUri   = "https://github.com/pgproxy/gateway"
	GithubLatestUri = "https://github.com/pgproxy/gateway/releases/latest"
)

// PrintVersionInfo writes the splash banner and version line to vlog, adding
// build metadata when extendedInfo is set.
func PrintVersionInfo(extendedInfo bool, vlog *log.Logger) {
	githubUri := theme.Hyperlink(GithubHomeUri, GithubHomeText)
	latestUri := theme.Hyperlink(GithubLatestUri, Version)
	padLatest := fmt.Sprintf("%*s", 1-len(Version), "")
	padBuffer := fmt.Sprintf("%*s", 2, "")

	var b strings.Builder

	b.WriteString(theme.ColourSplash(`
╔────────────────────────────────────────────────────────╗
│  ██████╗   ██████╗                                      │
│  ██╔══██╗ ██╔════╝                                      │
│  ██████╔╝ ██║  ███╗     rotating HTTP/CONNECT gateway   │
│  ██╔═══╝  ██║   ██║                                     │
│  ██║      ╚██████╔╝                                     │
│  ╚═╝       ╚═════╝                                      │` + "\n"))

	b.WriteString(theme.ColourSplash("│ "))
	b.WriteString(theme.StyleUrl(githubUri))
	b.WriteString(padLatest)
	b.WriteString(theme.ColourVersion(latestUri))
	b.WriteString(padBuffer)
	b.WriteString(theme.ColourSplash("     │\n"))
	b.WriteString(theme.ColourSplash("╚────────────────────────────────────────────────────────╝"))

	if extendedInfo {
		b.WriteString("\n")
		b.WriteString(fmt.Sprintf(" Commit: %s\n", Commit))
		b.WriteString(fmt.Sprintf("  Built: %s\n", Date))
		b.WriteString(fmt.Sprintf("  Using: %s\n", User))
	}

	vlog.Println(b.String())
}
