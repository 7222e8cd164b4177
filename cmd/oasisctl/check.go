package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/david/opportunity-oasis/internal/ai"
	"github.com/david/opportunity-oasis/internal/auth"
	"github.com/david/opportunity-oasis/internal/notify"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(hashPasswordCmd)
	rootCmd.AddCommand(checkSMTPCmd)
	rootCmd.AddCommand(checkModelsCmd)
}

var hashPasswordCmd = &cobra.Command{
	Use:   "hash-password",
	Short: "Hash a password for LOGIN_PASSWORD_HASH",
	Long: `Read a password from stdin and print its bcrypt hash.

Examples:
  printf '%s' 's3cret' | oasisctl hash-password`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		password, err := readPassword(cmd.InOrStdin())
		if err != nil {
			return err
		}
		hash, err := auth.HashPassword(password)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), hash)
		return nil
	},
}

func readPassword(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", fmt.Errorf("no password on stdin")
	}
	return line, nil
}

var checkSMTPCmd = &cobra.Command{
	Use:   "check-smtp",
	Short: "Connect and authenticate to the configured SMTP server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		e, err := newEnv(cmd)
		if err != nil {
			return err
		}
		defer e.close()

		if !e.cfg.SMTPEnabled() {
			return fmt.Errorf("SMTP_HOST is not set; emails are only logged")
		}
		sink := notify.NewSMTPSink(e.cfg.SMTP, e.logger)
		if err := sink.Verify(e.ctx); err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "smtp ok: %s:%d as %s\n", e.cfg.SMTP.Host, e.cfg.SMTP.Port, e.cfg.SMTP.Sender())
		if rcpts := sink.Recipients(); len(rcpts) > 0 {
			fmt.Fprintf(out, "recipients: %s\n", strings.Join(rcpts, ", "))
		} else {
			fmt.Fprintln(out, "warning: RECIPIENT_EMAILS is empty, nothing will be delivered")
		}
		return nil
	},
}

var checkModelsCmd = &cobra.Command{
	Use:   "check-models",
	Short: "Verify the configured Ollama models are installed",
	RunE: func(cmd *cobra.Command, _ []string) error {
		e, err := newEnv(cmd)
		if err != nil {
			return err
		}
		defer e.close()

		client := ai.NewOllamaClient(e.cfg.AI.OllamaHost, e.cfg.AI.TextModel, e.cfg.AI.VisionModel, e.cfg.AI.RequestTimeout)
		installed, err := client.ListModels(e.ctx)
		if err != nil {
			return err
		}
		missing := missingModels(installed, e.cfg.AI.TextModel, e.cfg.AI.VisionModel)
		if len(missing) > 0 {
			return fmt.Errorf("models not installed on %s: %s", e.cfg.AI.OllamaHost, strings.Join(missing, ", "))
		}
		fmt.Fprintf(cmd.OutOrStdout(), "models ok: %s, %s\n", e.cfg.AI.TextModel, e.cfg.AI.VisionModel)
		return nil
	},
}

// missingModels returns the wanted models absent from installed. A wanted name
// without a tag matches any tag.
func missingModels(installed []string, wanted ...string) []string {
	var missing []string
	for _, w := range wanted {
		found := false
		for _, m := range installed {
			if m == w || (!strings.Contains(w, ":") && strings.HasPrefix(m, w+":")) {
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, w)
		}
	}
	return missing
}
