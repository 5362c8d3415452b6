package credential

import (
	"errors"

	"github.com/charmbracelet/huh"
)

// PromptPassword asks for a consumer's IMAP password on the terminal.
func PromptPassword(consumerID, username string) (string, error) {
	var password string

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("mailwatch login").
				Description("Consumer: "+consumerID+"\nUsername: "+username),
			huh.NewInput().
				Title("IMAP password").
				Description("Stored in the system keyring, never in the config file").
				EchoMode(huh.EchoModePassword).
				Value(&password).
				Validate(func(s string) error {
					if s == "" {
						return errors.New("password is required")
					}
					return nil
				}),
		),
	)

	if err := form.Run(); err != nil {
		return "", err
	}
	return password, nil
}
