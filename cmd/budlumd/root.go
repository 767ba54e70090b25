// Copyright 2018 The xfsgo Authors
// This file is part of the xfsgo library.
//
// The xfsgo library is free software: you can redistribute it and/or modify
// it under the terms of the MIT Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The xfsgo library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// MIT Lesser General Public License for more details.
//
// You should have received a copy of the MIT Lesser General Public License
// along with the xfsgo library. If not, see <https://mit-license.org/>.

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

const appName = "budlumd"

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:                   fmt.Sprintf("%s <command> [<options>]", appName),
		DisableFlagsInUseLine: true,
		SilenceErrors:         true,
		SilenceUsage:          true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	versionCmd = &cobra.Command{
		Use:                   "version",
		Short:                 fmt.Sprintf("Print the version number of %s", appName),
		DisableFlagsInUseLine: true,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(appName + " v0.1.0")
		},
	}
)

func helpTmpl() string {
	return `{{with (or .Long .Short)}}{{. | trimTrailingWhitespaces}}

{{end}}{{if or .Runnable .HasSubCommands}}{{.UsageString}}{{end}}`
}

func usageTmpl() string {
	return `Usage:{{if .Runnable}}
  {{.UseLine}}{{end}}{{if .HasAvailableSubCommands}}

Commands:{{range .Commands}}{{if (or .IsAvailableCommand (eq .Name "help"))}}
  {{rpad .Name .NamePadding }} {{.Short}}{{end}}{{end}}{{end}}{{if .HasAvailableLocalFlags}}

Options:
{{.LocalFlags.FlagUsages | trimTrailingWhitespaces}}{{end}}{{if .HasAvailableInheritedFlags}}
{{.InheritedFlags.FlagUsages | trimTrailingWhitespaces}}{{end}}{{if .HasHelpSubCommands}}

Additional help topics:{{range .Commands}}{{if .IsAdditionalHelpTopicCommand}}
  {{rpad .CommandPath .CommandPathPadding}} {{.Short}}{{end}}{{end}}{{end}}{{if .HasAvailableSubCommands}}

Use "{{.CommandPath}} [command] -h,--help" for more information about a command.{{end}}
`
}

// Execute runs the root command and returns whatever error it produced,
// leaving the exit-code decision to main.go (spec section 6 distinguishes
// a config error, exit 1, from a network bind failure, exit 3 — a plain
// os.Exit(1) here couldn't tell them apart).
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	mFlags := rootCmd.PersistentFlags()
	mFlags.StringVarP(&cfgFile, "config", "C", "", "Set config file")
	rootCmd.SetHelpTemplate(helpTmpl())
	rootCmd.SetUsageTemplate(usageTmpl())
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(daemonCmd)
}
