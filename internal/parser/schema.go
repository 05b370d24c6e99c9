package parser

import (
	"os"
	"strings"

	"sql-guard/internal/model"

	"github.com/pingcap/tidb/parser/ast"
	"github.com/pkg/errors"
)

// LoadSchema reads a DDL file and builds the schema context from its CREATE TABLE statements.
func (f *Facade) LoadSchema(path string) (*model.SchemaCtx, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read schema")
	}

	stmts, err := f.backend.Parse(string(content))
	if err != nil {
		return nil, errors.Wrapf(err, "parse schema %s", path)
	}

	schema := &model.SchemaCtx{
		Tables: make(map[string]*model.Table),
	}
	for _, stmt := range stmts {
		if createTable, ok := stmt.(*ast.CreateTableStmt); ok {
			table := parseCreateTable(createTable)
			schema.Tables[strings.ToLower(table.Name)] = table
		}
	}
	f.logger.Debug("schema loaded")
	return schema, nil
}

func parseCreateTable(node *ast.CreateTableStmt) *model.Table {
	t := &model.Table{
		Name:    node.Table.Name.L,
		Columns: make(map[string]*model.Column),
		Indexes: make([]*model.Index, 0),
	}

	for _, col := range node.Cols {
		name := col.Name.Name.L
		t.Columns[name] = &model.Column{
			Name: name,
			Type: col.Tp.String(),
		}
		// inline PRIMARY KEY / UNIQUE
		for _, opt := range col.Options {
			switch opt.Tp {
			case ast.ColumnOptionPrimaryKey:
				t.Indexes = append(t.Indexes, &model.Index{Name: "PRIMARY", Columns: []string{name}, Unique: true})
			case ast.ColumnOptionUniqKey:
				t.Indexes = append(t.Indexes, &model.Index{Name: name, Columns: []string{name}, Unique: true})
			}
		}
	}

	for _, cons := range node.Constraints {
		switch cons.Tp {
		case ast.ConstraintPrimaryKey, ast.ConstraintKey, ast.ConstraintIndex, ast.ConstraintUniq, ast.ConstraintUniqKey, ast.ConstraintUniqIndex:
			idx := &model.Index{
				Name:    cons.Name,
				Unique:  cons.Tp == ast.ConstraintPrimaryKey || cons.Tp == ast.ConstraintUniq || cons.Tp == ast.ConstraintUniqKey || cons.Tp == ast.ConstraintUniqIndex,
				Columns: make([]string, 0, len(cons.Keys)),
			}
			if idx.Name == "" && cons.Tp == ast.ConstraintPrimaryKey {
				idx.Name = "PRIMARY"
			}
			for _, keyCol := range cons.Keys {
				if keyCol.Column != nil {
					idx.Columns = append(idx.Columns, keyCol.Column.Name.L)
				}
			}
			t.Indexes = append(t.Indexes, idx)
		}
	}

	return t
}
