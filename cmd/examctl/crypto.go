package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/stemsi/exstem-offline/internal/cryptobox"
	"github.com/stemsi/exstem-offline/internal/model"
	"github.com/stemsi/exstem-offline/internal/validator"
)

// codeFlags are shared by the commands that seal a test definition.
type codeFlags struct {
	code     string
	generate bool
}

func (f *codeFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.code, "code", "", "session code (prompted when omitted)")
	cmd.Flags().BoolVar(&f.generate, "generate", false, "generate a fresh session code")
}

func (f *codeFlags) resolve(a *app, cmd *cobra.Command) (string, error) {
	if f.generate {
		if f.code != "" {
			return "", fmt.Errorf("--code and --generate are mutually exclusive")
		}
		return cryptobox.GenerateCode()
	}
	return a.sessionCode(cmd, f.code)
}

// readDefinition loads and validates a plaintext test definition.
func readDefinition(path string) (*model.ExamDefinition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var def model.ExamDefinition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := validator.Struct(&def); err != nil {
		return nil, fmt.Errorf("invalid definition: %s", joinFields(validator.TranslateErrors(err)))
	}
	return &def, nil
}

func joinFields(fields map[string]string) string {
	parts := make([]string, 0, len(fields))
	for _, msg := range fields {
		parts = append(parts, msg)
	}
	return strings.Join(parts, "; ")
}

func newEncryptCmd(a *app) *cobra.Command {
	var (
		in, out string
		codes   codeFlags
	)
	cmd := &cobra.Command{
		Use:   "encrypt",
		Short: "Encrypt a test definition with a session code",
		Long: `Encrypt reads a plaintext test definition (JSON), validates it, and
writes the base64 blob that the relay stores and students download.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := readDefinition(in)
			if err != nil {
				return err
			}
			code, err := codes.resolve(a, cmd)
			if err != nil {
				return err
			}
			blob, err := cryptobox.Encrypt(def, code)
			if err != nil {
				return err
			}
			if codes.generate {
				printf(cmd.ErrOrStderr(), "Session code: %s\n", code)
			}
			if out == "" {
				printf(cmd.OutOrStdout(), "%s\n", blob)
				return nil
			}
			return os.WriteFile(out, []byte(blob+"\n"), 0o600)
		},
	}
	cmd.Flags().StringVarP(&in, "in", "i", "", "plaintext test definition (JSON)")
	cmd.Flags().StringVarP(&out, "out", "o", "", "write the blob here instead of stdout")
	_ = cmd.MarkFlagRequired("in")
	codes.register(cmd)
	return cmd
}

func newDecryptCmd(a *app) *cobra.Command {
	var in, codeFlag string
	cmd := &cobra.Command{
		Use:   "decrypt",
		Short: "Decrypt a test or submission blob",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(in)
			if err != nil {
				return err
			}
			code, err := a.sessionCode(cmd, codeFlag)
			if err != nil {
				return err
			}
			box, err := cryptobox.New(code)
			if err != nil {
				return err
			}
			plain, err := box.OpenBytes(strings.TrimSpace(string(raw)))
			if err != nil {
				return err
			}
			var pretty bytes.Buffer
			if json.Indent(&pretty, plain, "", "  ") == nil {
				plain = pretty.Bytes()
			}
			printf(cmd.OutOrStdout(), "%s\n", plain)
			return nil
		},
	}
	cmd.Flags().StringVarP(&in, "in", "i", "", "file holding the base64 blob")
	cmd.Flags().StringVar(&codeFlag, "code", "", "session code (prompted when omitted)")
	_ = cmd.MarkFlagRequired("in")
	return cmd
}

func newPublishCmd(a *app) *cobra.Command {
	var (
		in    string
		codes codeFlags
	)
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Encrypt a test definition and publish it on the relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := readDefinition(in)
			if err != nil {
				return err
			}
			code, err := codes.resolve(a, cmd)
			if err != nil {
				return err
			}
			blob, err := cryptobox.Encrypt(def, code)
			if err != nil {
				return err
			}

			resp, err := a.client().CreateTest(cmd.Context(), model.CreateTestRequest{
				TestCode:          code,
				EncryptedTestData: blob,
				DurationMinutes:   def.Duration,
				AllowCorrections:  def.AllowCorrections,
			})
			if err != nil {
				return fmt.Errorf("publish: %w", err)
			}
			printf(cmd.OutOrStdout(), "Published test %s (%d questions, %d min), expires %s\n",
				resp.TestCode, len(def.Questions), def.Duration, resp.ExpiresAt)
			return nil
		},
	}
	cmd.Flags().StringVarP(&in, "in", "i", "", "plaintext test definition (JSON)")
	_ = cmd.MarkFlagRequired("in")
	codes.register(cmd)
	return cmd
}
