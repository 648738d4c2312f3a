package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/gregfielding/hrx-god-view-sub021/modules/crm/domain/association"
)

func newRelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rel",
		Short: "Manage structural company relations",
	}
	cmd.AddCommand(newRelSetCmd())
	cmd.AddCommand(newRelRemoveCmd())
	return cmd
}

type relOptions struct {
	Tenant       string
	SourceID     string
	TargetID     string
	RelationType string
}

func (o *relOptions) addFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.Tenant, "tenant", "", "tenant UUID")
	cmd.Flags().StringVar(&o.SourceID, "source-id", "", "source company UUID")
	cmd.Flags().StringVar(&o.TargetID, "target-id", "", "target company UUID")
	cmd.Flags().StringVar(&o.RelationType, "relation", "", "structural relation type (parent, child, sibling, managed-service)")
}

func (o *relOptions) parse() (uuid.UUID, uuid.UUID, association.RelationType, error) {
	sourceID, err := uuid.Parse(strings.TrimSpace(o.SourceID))
	if err != nil {
		return uuid.Nil, uuid.Nil, "", errors.New("--source-id must be a valid UUID")
	}
	targetID, err := uuid.Parse(strings.TrimSpace(o.TargetID))
	if err != nil {
		return uuid.Nil, uuid.Nil, "", errors.New("--target-id must be a valid UUID")
	}
	relType := association.RelationType(strings.TrimSpace(strings.ToLower(o.RelationType)))
	if !relType.Structural() {
		return uuid.Nil, uuid.Nil, "", fmt.Errorf("%q is not a structural relation type", o.RelationType)
	}
	return sourceID, targetID, relType, nil
}

func newRelSetCmd() *cobra.Command {
	var opts relOptions

	cmd := &cobra.Command{
		Use:   "set --tenant <uuid> --source-id <uuid> --target-id <uuid> --relation <type>",
		Short: "Set a bilateral company relation",
		RunE: func(cmd *cobra.Command, _ []string) error {
			sourceID, targetID, relType, err := opts.parse()
			if err != nil {
				return err
			}

			e, err := newEnv(cmd.Context(), opts.Tenant)
			if err != nil {
				return err
			}
			defer e.Close()

			return e.relationships.SetRelationship(e.ctx, sourceID, targetID, relType, cliActor)
		},
	}

	opts.addFlags(cmd)

	return cmd
}

func newRelRemoveCmd() *cobra.Command {
	var opts relOptions

	cmd := &cobra.Command{
		Use:   "remove --tenant <uuid> --source-id <uuid> --target-id <uuid> --relation <type>",
		Short: "Remove a bilateral company relation",
		RunE: func(cmd *cobra.Command, _ []string) error {
			sourceID, targetID, relType, err := opts.parse()
			if err != nil {
				return err
			}

			e, err := newEnv(cmd.Context(), opts.Tenant)
			if err != nil {
				return err
			}
			defer e.Close()

			return e.relationships.RemoveRelationship(e.ctx, sourceID, targetID, relType, cliActor)
		},
	}

	opts.addFlags(cmd)

	return cmd
}
