// Gptpbeat — Beat на базе Elastic Beats v7 (libbeat) для синхронизации по gPTP.
// Публикует диагностику, записи валидации времени и статус каналов gptpsync.
package main

import (
	"os"

	"github.com/elastic/beats/v7/libbeat/cmd"
	"github.com/elastic/beats/v7/libbeat/cmd/instance"
	"github.com/shiwa/timecard-mini/gptpbeat/beater"
)

func main() {
	rootCmd := cmd.GenRootCmdWithSettings(beater.New, instance.Settings{
		Name: "gptpbeat",
	})
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
