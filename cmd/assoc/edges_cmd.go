package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/gregfielding/hrx-god-view-sub021/modules/crm/domain/association"
	"github.com/gregfielding/hrx-god-view-sub021/modules/crm/domain/entity"
)

const cliActor = "assoc-cli"

func newEdgesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "edges",
		Short: "Manage typed association edges",
	}
	cmd.AddCommand(newEdgesUpsertCmd())
	cmd.AddCommand(newEdgesDeleteCmd())
	cmd.AddCommand(newEdgesListCmd())
	return cmd
}

type edgeEndpointOptions struct {
	Tenant       string
	SourceKind   string
	SourceID     string
	TargetKind   string
	TargetID     string
	RelationType string
}

func (o *edgeEndpointOptions) addFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.Tenant, "tenant", "", "tenant UUID")
	cmd.Flags().StringVar(&o.SourceKind, "source-kind", "", "source entity kind")
	cmd.Flags().StringVar(&o.SourceID, "source-id", "", "source entity UUID")
	cmd.Flags().StringVar(&o.TargetKind, "target-kind", "", "target entity kind")
	cmd.Flags().StringVar(&o.TargetID, "target-id", "", "target entity UUID")
	cmd.Flags().StringVar(&o.RelationType, "relation", "", "relation type")
}

func (o *edgeEndpointOptions) ids() (uuid.UUID, uuid.UUID, error) {
	sourceID, err := uuid.Parse(strings.TrimSpace(o.SourceID))
	if err != nil {
		return uuid.Nil, uuid.Nil, errors.New("--source-id must be a valid UUID")
	}
	targetID, err := uuid.Parse(strings.TrimSpace(o.TargetID))
	if err != nil {
		return uuid.Nil, uuid.Nil, errors.New("--target-id must be a valid UUID")
	}
	return sourceID, targetID, nil
}

func newEdgesUpsertCmd() *cobra.Command {
	var opts edgeEndpointOptions
	var strength int

	cmd := &cobra.Command{
		Use:   "upsert --tenant <uuid> --source-kind <kind> --source-id <uuid> --target-kind <kind> --target-id <uuid> --relation <type>",
		Short: "Create or refresh an association edge",
		RunE: func(cmd *cobra.Command, _ []string) error {
			sourceID, targetID, err := opts.ids()
			if err != nil {
				return err
			}

			e, err := newEnv(cmd.Context(), opts.Tenant)
			if err != nil {
				return err
			}
			defer e.Close()

			edge, err := e.associations.Upsert(e.ctx, &association.UpsertDTO{
				SourceKind:   opts.SourceKind,
				SourceID:     sourceID,
				TargetKind:   opts.TargetKind,
				TargetID:     targetID,
				RelationType: opts.RelationType,
				Strength:     strength,
				Actor:        cliActor,
			})
			if err != nil {
				return err
			}
			return printEdges(edge)
		},
	}

	opts.addFlags(cmd)
	cmd.Flags().IntVar(&strength, "strength", 0, "edge strength (0-100)")

	return cmd
}

func newEdgesDeleteCmd() *cobra.Command {
	var opts edgeEndpointOptions

	cmd := &cobra.Command{
		Use:   "delete --tenant <uuid> --source-kind <kind> --source-id <uuid> --target-kind <kind> --target-id <uuid> --relation <type>",
		Short: "Delete an association edge",
		RunE: func(cmd *cobra.Command, _ []string) error {
			sourceID, targetID, err := opts.ids()
			if err != nil {
				return err
			}

			e, err := newEnv(cmd.Context(), opts.Tenant)
			if err != nil {
				return err
			}
			defer e.Close()

			return e.associations.Delete(e.ctx, &association.DeleteDTO{
				SourceKind:   opts.SourceKind,
				SourceID:     sourceID,
				TargetKind:   opts.TargetKind,
				TargetID:     targetID,
				RelationType: opts.RelationType,
				Actor:        cliActor,
			})
		},
	}

	opts.addFlags(cmd)

	return cmd
}

type edgesListOptions struct {
	Tenant    string
	Kind      string
	ID        string
	Relation  string
	Direction string
}

func newEdgesListCmd() *cobra.Command {
	var opts edgesListOptions

	cmd := &cobra.Command{
		Use:   "list --tenant <uuid> --kind <kind> --id <uuid> [--relation <type>] [--direction source|target|both]",
		Short: "List edges touching an entity",
		RunE: func(cmd *cobra.Command, _ []string) error {
			kind := entity.Kind(strings.TrimSpace(strings.ToLower(opts.Kind)))
			if !kind.Valid() {
				return fmt.Errorf("unknown entity kind %q", opts.Kind)
			}
			id, err := uuid.Parse(strings.TrimSpace(opts.ID))
			if err != nil {
				return errors.New("--id must be a valid UUID")
			}
			filter, err := association.ListFilter{
				RelationType: association.RelationType(strings.TrimSpace(strings.ToLower(opts.Relation))),
				Direction:    association.Direction(strings.TrimSpace(strings.ToLower(opts.Direction))),
			}.Normalize()
			if err != nil {
				return err
			}

			e, err := newEnv(cmd.Context(), opts.Tenant)
			if err != nil {
				return err
			}
			defer e.Close()

			edges, err := e.associations.ListForEntity(e.ctx, entity.Ref{Kind: kind, ID: id}, filter)
			if err != nil {
				return err
			}
			return printEdges(edges...)
		},
	}

	cmd.Flags().StringVar(&opts.Tenant, "tenant", "", "tenant UUID")
	cmd.Flags().StringVar(&opts.Kind, "kind", "", "entity kind")
	cmd.Flags().StringVar(&opts.ID, "id", "", "entity UUID")
	cmd.Flags().StringVar(&opts.Relation, "relation", "", "filter by relation type")
	cmd.Flags().StringVar(&opts.Direction, "direction", "both", "match the entity as source, target or both")

	return cmd
}

type edgeRow struct {
	ID                 uuid.UUID `json:"id"`
	Source             string    `json:"source"`
	Target             string    `json:"target"`
	RelationType       string    `json:"relationType"`
	Strength           int       `json:"strength"`
	PendingCounterpart bool      `json:"pendingCounterpart,omitempty"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

func printEdges(edges ...*association.Edge) error {
	rows := make([]edgeRow, 0, len(edges))
	for _, edge := range edges {
		rows = append(rows, edgeRow{
			ID:                 edge.ID(),
			Source:             edge.Source().String(),
			Target:             edge.Target().String(),
			RelationType:       string(edge.RelationType()),
			Strength:           edge.Strength(),
			PendingCounterpart: edge.PendingCounterpart(),
			CreatedAt:          edge.CreatedAt(),
			UpdatedAt:          edge.UpdatedAt(),
		})
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(rows)
}
