package satcli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MrWong99/dawn/pkg/dap2"
	"github.com/MrWong99/dawn/pkg/satellite"
)

func newIdentityCmd(v *viper.Viper) *cobra.Command {
	identityCmd := &cobra.Command{
		Use:   "identity",
		Short: "Show or create this satellite's identity",
	}

	var asJSON bool
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the identity announced at registration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := loadSettings(v)
			if err != nil {
				return err
			}
			var id dap2.Identity
			if s.HardwareAddr != "" {
				id, _, err = s.identity()
			} else {
				id, err = satellite.LoadIdentity(s.IdentityFile)
				if errors.Is(err, satellite.ErrNoIdentity) {
					return fmt.Errorf("no identity at %s; run \"dawn-satellite identity create\"", s.IdentityFile)
				}
			}
			if err != nil {
				return err
			}
			return printIdentity(cmd.OutOrStdout(), id, asJSON)
		},
	}
	showCmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create the identity file, or update its name and location",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := loadSettings(v)
			if err != nil {
				return err
			}
			if s.HardwareAddr != "" {
				return errors.New("identities derived from hardware_addr are not stored; unset it to use an identity file")
			}
			id, created, err := s.identity()
			if err != nil {
				return err
			}
			verb := "updated"
			if created {
				verb = "created"
			}
			if _, err := fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", verb, s.IdentityFile); err != nil {
				return err
			}
			return printIdentity(cmd.OutOrStdout(), id, false)
		},
	}

	identityCmd.AddCommand(showCmd, createCmd)
	return identityCmd
}

func printIdentity(w io.Writer, id dap2.Identity, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(id)
	}
	_, err := fmt.Fprintf(w, "uuid:        %s\nname:        %s\nlocation:    %s\nhardware_id: %s\n",
		id.UUID, id.Name, id.Location, id.HardwareID)
	return err
}
