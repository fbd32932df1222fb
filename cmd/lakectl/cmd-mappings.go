package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/pipewise/lake/model"
)

type cmdMappingsList struct {
	connectFlags
	Source string `long:"source" description:"Restrict to one source"`
}

func (cmd cmdMappingsList) Execute(_ []string) error {
	var ctx = context.Background()
	var s, err = cmd.open(ctx, nil)
	if err != nil {
		return err
	}
	defer s.Close()

	var specs []model.MappingSpec
	if specs, err = s.service.Mappings(ctx, cmd.Source); err != nil {
		return err
	}
	if len(specs) == 0 {
		fmt.Println("no mapping overrides")
		return nil
	}
	for i, spec := range specs {
		if i > 0 {
			fmt.Println()
		}
		fmt.Printf("%s %s (id field %q, updated %s)\n",
			spec.Source, spec.EntityType, spec.IDField, spec.UpdatedAt.Format("2006-01-02 15:04"))
		for _, f := range spec.Fields {
			fmt.Printf("  %-24s <- %s%s\n", f.TargetField, fmtFieldSource(f), fmtFieldNotes(f))
		}
	}
	return nil
}

func fmtFieldSource(f model.FieldMapping) string {
	if len(f.SourceFields) > 0 {
		return strings.Join(f.SourceFields, " + ")
	}
	return f.SourceField
}

func fmtFieldNotes(f model.FieldMapping) string {
	var notes []string
	if f.Transform != "" {
		notes = append(notes, string(f.Transform))
	}
	if f.Required {
		notes = append(notes, "required")
	}
	if f.Ref != "" {
		notes = append(notes, fmt.Sprintf("ref %s", f.Ref))
	}
	if len(notes) == 0 {
		return ""
	}
	return fmt.Sprintf(" (%s)", strings.Join(notes, ", "))
}

type cmdMappingsSet struct {
	connectFlags
	Args struct {
		File string `positional-arg-name:"file" required:"true" description:"YAML mapping specification"`
	} `positional-args:"true"`
}

func (cmd cmdMappingsSet) Execute(_ []string) error {
	var ctx = context.Background()
	var s, err = cmd.open(ctx, nil)
	if err != nil {
		return err
	}
	defer s.Close()

	var spec model.MappingSpec
	if err = decodeYAML(cmd.Args.File, &spec); err != nil {
		return err
	}
	if err = s.service.PutMapping(ctx, &spec); err != nil {
		return err
	}
	fmt.Printf("stored mapping override %s (%d fields)\n", spec.ID, len(spec.Fields))
	return nil
}

type cmdMappingsDelete struct {
	connectFlags
	Source string `long:"source" required:"true" description:"Source of the override"`
	Entity string `long:"entity" required:"true" description:"Entity type of the override"`
}

func (cmd cmdMappingsDelete) Execute(_ []string) error {
	var ctx = context.Background()
	var s, err = cmd.open(ctx, nil)
	if err != nil {
		return err
	}
	defer s.Close()

	var et model.EntityType
	if et, err = model.ParseEntityType(cmd.Entity); err != nil {
		return err
	}
	if err = s.service.DeleteMapping(ctx, cmd.Source, et); err != nil {
		return err
	}
	fmt.Printf("deleted mapping override %s; the built-in mapping is active again\n",
		model.MappingID(cmd.Source, et))
	return nil
}
