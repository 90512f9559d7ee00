package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/spigell/career-advice/internal/advice"
	"github.com/spigell/career-advice/internal/logger"
)

// profileQuestion is one profile field asked for interactively.
type profileQuestion struct {
	key      string
	label    string
	required bool
}

var profileQuestions = []profileQuestion{
	{key: "country", label: "Target country", required: true},
	{key: "education", label: "Education", required: true},
	{key: "certificate", label: "Certificate", required: true},
	{key: "skills", label: "Skills (optional)"},
}

var askCmd = &cobra.Command{
	Use:   "ask",
	Short: "Ask for advice locally without starting the HTTP server",
	Run: func(cmd *cobra.Command, _ []string) {
		ask(cmd)
	},
}

func init() {
	rootCmd.AddCommand(askCmd)

	for _, q := range profileQuestions {
		askCmd.Flags().String(q.key, "", q.label)
	}
}

func ask(cmd *cobra.Command) {
	config, err := getConfig(viper.GetViper())
	if err != nil {
		log.Fatalf("parsing config: %v", err)
	}

	logger, err := logger.New(viper.GetBool("json"), viper.GetBool("debug"))
	if err != nil {
		log.Fatalf("creating a logger: %v", err)
	}

	payload, err := collectProfile(cmd, promptValue)
	if err != nil {
		logger.Fatal("reading the profile", zap.Error(err))
	}

	ctx := context.Background()
	runtime, err := loadRuntime(ctx, config, logger)
	if err != nil {
		logger.Fatal("can not load the model", zap.Error(err))
	}
	defer runtime.Close()

	service := advice.NewService(runtime, config.Model.RequestTimeout, config.Model.MaxLogLength, logger.Named("advice"))
	result, err := service.Handle(ctx, payload)
	if err != nil {
		var invalid *advice.ValidationError
		if errors.As(err, &invalid) {
			logger.Error("profile rejected", zap.String("field", invalid.Field), zap.Error(err))
			return
		}
		logger.Error("advice generation failed", zap.Error(err))
		return
	}

	fmt.Println(result.Advice)
}

// collectProfile builds the request payload from flags and asks for every field left unset.
func collectProfile(cmd *cobra.Command, prompt func(profileQuestion) (string, error)) (map[string]any, error) {
	payload := make(map[string]any, len(profileQuestions))

	for _, q := range profileQuestions {
		value, err := cmd.Flags().GetString(q.key)
		if err != nil {
			return nil, err
		}

		if strings.TrimSpace(value) == "" {
			value, err = prompt(q)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", q.key, err)
			}
		}

		if value == "" && !q.required {
			continue
		}
		payload[q.key] = value
	}

	return payload, nil
}

func promptValue(q profileQuestion) (string, error) {
	p := promptui.Prompt{
		Label: q.label,
	}
	if q.required {
		p.Validate = func(input string) error {
			if strings.TrimSpace(input) == "" {
				return errors.New("this field is required")
			}
			return nil
		}
	}

	value, err := p.Run()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(value), nil
}
