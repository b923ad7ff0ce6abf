package cmd

import (
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// Version is the release of the opustune binary; -ldflags may override it.
var Version = "1.0.0"

var versionShort bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Long:  "Display the opustune release, the Go toolchain it was built with and the checkpoint formats it reads",
	Run: func(cmd *cobra.Command, args []string) {
		if versionShort {
			fmt.Println(Version)
			return
		}
		printVersionInfo()
	},
}

func init() {
	versionCmd.Flags().BoolVar(&versionShort, "short", false, "print only the release number")
}

func printVersionInfo() {
	color.Green("opustune %s", Version)
	fmt.Printf("  go:          %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
	if rev := buildRevision(); rev != "" {
		fmt.Printf("  revision:    %s\n", rev)
	}
	fmt.Println("  weights:     safetensors (F32, F16, BF16)")
	fmt.Println("  tokenizers:  sentencepiece unigram and bpe, vocab.json")
}

// buildRevision reads the VCS revision stamped into the binary, if any.
func buildRevision() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	return revision(info.Settings)
}

// revision shortens vcs.revision to 12 characters and marks modified trees.
func revision(settings []debug.BuildSetting) string {
	var rev, modified string
	for _, s := range settings {
		switch s.Key {
		case "vcs.revision":
			rev = s.Value
		case "vcs.modified":
			if s.Value == "true" {
				modified = "-dirty"
			}
		}
	}
	if rev == "" {
		return ""
	}
	if len(rev) > 12 {
		rev = rev[:12]
	}
	return rev + modified
}
