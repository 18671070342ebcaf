package cmd

import (
	"fmt"
	"io"
	"net/http"
	"runtime"

	"github.com/spf13/cobra"
)

var (
	// These will be set by ldflags during build
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

const modulePath = "github.com/austindbirch/courier"

// serverVersion mirrors the API's /v1/version body.
type serverVersion struct {
	Module    string `json:"module"`
	Version   string `json:"version"`
	Revision  string `json:"revision,omitempty"`
	GoVersion string `json:"go_version"`
	Store     string `json:"store,omitempty"`
}

type versionInfo struct {
	Client      clientVersion  `json:"client"`
	Server      *serverVersion `json:"server,omitempty"`
	ServerError string         `json:"serverError,omitempty"`
}

type clientVersion struct {
	Module    string `json:"module"`
	Version   string `json:"version"`
	GitCommit string `json:"gitCommit"`
	BuildTime string `json:"buildTime"`
	GoVersion string `json:"goVersion"`
	Platform  string `json:"platform"`
}

func clientInfo() clientVersion {
	return clientVersion{
		Module:    modulePath,
		Version:   Version,
		GitCommit: GitCommit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print client and server version information",
	Long: `Print the courierctl build and, unless --client is set, the build of the
courier API it talks to.`,
	Run: func(cmd *cobra.Command, args []string) {
		clientOnly, _ := cmd.Flags().GetBool("client")

		info := versionInfo{Client: clientInfo()}
		if !clientOnly {
			var sv serverVersion
			if err := doRequest(cmd.Context(), http.MethodGet, "/v1/version", nil, &sv); err != nil {
				info.ServerError = err.Error()
			} else {
				info.Server = &sv
			}
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			printOutput(out, info)
			return
		}
		printVersion(out, info, clientOnly)
	},
}

func printVersion(out io.Writer, info versionInfo, clientOnly bool) {
	c := info.Client
	fmt.Fprintf(out, "courierctl %s (%s)\n", c.Version, c.Module)
	fmt.Fprintf(out, "  Git commit: %s\n", c.GitCommit)
	fmt.Fprintf(out, "  Built: %s\n", c.BuildTime)
	fmt.Fprintf(out, "  Go: %s %s\n", c.GoVersion, c.Platform)
	if clientOnly {
		return
	}
	if info.Server == nil {
		fmt.Fprintf(out, "courier API at %s: unavailable (%s)\n", baseURL(), info.ServerError)
		return
	}
	s := info.Server
	fmt.Fprintf(out, "courier API %s (%s) at %s\n", s.Version, s.Module, baseURL())
	if s.Revision != "" {
		fmt.Fprintf(out, "  Revision: %s\n", s.Revision)
	}
	if s.Store != "" {
		fmt.Fprintf(out, "  Store: %s\n", s.Store)
	}
	fmt.Fprintf(out, "  Go: %s\n", s.GoVersion)
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().Bool("client", false, "print only the client version")
}
