// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/DataDog/iot-platform/pkg/util/log"
	"github.com/DataDog/iot-platform/pkg/version"
)

var (
	// platformCmd is the root command
	platformCmd = &cobra.Command{
		Use:   "platform [command]",
		Short: "Datadog IoT telemetry platform.",
		Long: `
The platform ingests device telemetry over MQTT and HTTPS, validates and
stores it as time series, evaluates threshold rules into fleet alerts, routes
messages to tenant-configured destinations and delivers notifications over
webhook, email, SNMP and MQTT with durable retries.`,
	}

	startCmd = &cobra.Command{
		Use:   "start",
		Short: "Start the platform",
		Long:  `Runs the platform in the foreground`,
		RunE:  start,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Long:  ``,
		Run: func(cmd *cobra.Command, args []string) {
			if version.Commit != "" {
				fmt.Printf("IoT Platform %s - Commit: %s\n", version.PlatformVersion, version.Commit)
				return
			}
			fmt.Printf("IoT Platform %s\n", version.PlatformVersion)
		},
	}

	confPath string
)

func init() {
	platformCmd.AddCommand(startCmd)
	platformCmd.AddCommand(versionCmd)

	startCmd.Flags().StringVarP(&confPath, "config", "c", "", "path to the platform config file")
}

func main() {
	if err := platformCmd.Execute(); err != nil {
		log.Error(err)
		log.Flush()
		os.Exit(-1)
	}
}
