package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/helperbridge/internal/config"
)

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Interactive setup wizard, writes config.json",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit()
		},
	}
}

func runInit() error {
	cfgPath := resolveConfigPath()
	if _, err := os.Stat(cfgPath); err == nil {
		var overwrite bool
		confirm := huh.NewConfirm().
			Title(fmt.Sprintf("%s already exists. Overwrite?", cfgPath)).
			Value(&overwrite)
		if err := confirm.Run(); err != nil {
			return err
		}
		if !overwrite {
			fmt.Println("Keeping the existing config.")
			return nil
		}
	}

	cfg := config.Default()
	port := strconv.Itoa(cfg.Server.Port)
	webhookURL := ""
	chatURL := ""

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("WeChat entry host").
				Description("Pick the filehelper endpoint your account is routed to.").
				Options(
					huh.NewOption("szfilehelper.weixin.qq.com (default)", "szfilehelper.weixin.qq.com"),
					huh.NewOption("filehelper.weixin.qq.com", "filehelper.weixin.qq.com"),
					huh.NewOption("cmfilehelper.weixin.qq.com", "cmfilehelper.weixin.qq.com"),
				).
				Value(&cfg.WeChat.EntryHost),
			huh.NewInput().
				Title("HTTP listen host").
				Value(&cfg.Server.Host),
			huh.NewInput().
				Title("HTTP listen port").
				Validate(func(s string) error {
					n, err := strconv.Atoi(s)
					if err != nil || n < 1 || n > 65535 {
						return fmt.Errorf("port must be 1-65535")
					}
					return nil
				}).
				Value(&port),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Download directory").
				Value(&cfg.Files.DownloadDir),
			huh.NewConfirm().
				Title("Auto-download inbound attachments?").
				Value(&cfg.Files.AutoDownload),
			huh.NewConfirm().
				Title("Generate image thumbnails?").
				Value(&cfg.Files.Thumbnails),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Webhook URL for inbound updates (empty to disable)").
				Value(&webhookURL),
			huh.NewInput().
				Title("Chat responder URL (empty to disable)").
				Value(&chatURL),
			huh.NewConfirm().
				Title("Keep a redacted HTTP trace log?").
				Value(&cfg.Trace.Enabled),
		),
	)
	if err := form.Run(); err != nil {
		return fmt.Errorf("wizard aborted: %w", err)
	}

	cfg.Server.Port, _ = strconv.Atoi(port)
	cfg.Webhook.URL = webhookURL
	cfg.Chat.URL = chatURL
	cfg.Chat.Enabled = chatURL != ""

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(cfgPath, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", cfgPath, err)
	}

	fmt.Printf("Wrote %s\n\nNext steps:\n", cfgPath)
	fmt.Println("  helperbridge serve")
	fmt.Printf("  open http://%s:%s/qr and scan with WeChat\n", cfg.Server.Host, port)
	return nil
}
