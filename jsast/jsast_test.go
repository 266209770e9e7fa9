package jsast

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequiresModule(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want bool
	}{
		{"double quotes", `const _ = require("lodash");`, true},
		{"single quotes", `const _ = require('lodash');`, true},
		{"template literal", "const _ = require(`lodash`);", true},
		{"spacing", `const _ = require (  "lodash"  );`, true},
		{"nested call", `console.log(require("lodash").chunk([1, 2], 1));`, true},
		{"other package", `const _ = require("underscore");`, false},
		{"sub path", `const chunk = require("lodash/chunk");`, false},
		{"computed", `const name = "lodash"; const _ = require(name);`, false},
		{"template substitution", "const v = 'lodash'; const _ = require(`${v}`);", false},
		{"import statement", `import _ from "lodash";`, false},
		{"in comment", `// require("lodash")
console.log(1);`, false},
		{"in string", `console.log('require("lodash")');`, false},
		{"member require", `const _ = module.require("lodash");`, false},
		{"two arguments", `const _ = require("lodash", "extra");`, false},
		{"no require", `console.log("hello");`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := RequiresModule(context.Background(), []byte(tt.src), "lodash")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRequires(t *testing.T) {
	src := `const a = require("a");
const b = require('b');
const a2 = require("a");`

	names, err := Requires(context.Background(), []byte(src))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "a"}, names)
}

func TestRequiresModule_ScopedName(t *testing.T) {
	got, err := RequiresModule(context.Background(), []byte(`const core = require("@babel/core");`), "@babel/core")
	require.NoError(t, err)
	assert.True(t, got)
}

func TestVarizeDeclarations(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{
			name: "const and let",
			src:  "const a = 1;\nlet b = 2;",
			want: "var a = 1;\nvar b = 2;",
		},
		{
			name: "for of",
			src:  "for (const x of [1, 2]) { console.log(x); }",
			want: "for (var x of [1, 2]) { console.log(x); }",
		},
		{
			name: "block scoped inside function",
			src:  "function f() { let total = 0; return total; }",
			want: "function f() { var total = 0; return total; }",
		},
		{
			name: "strings and comments untouched",
			src:  "// const in a comment\nvar s = \"let it be\";",
			want: "// const in a comment\nvar s = \"let it be\";",
		},
		{
			name: "identifier containing keyword",
			src:  "var constant = 1; var letter = 'a';",
			want: "var constant = 1; var letter = 'a';",
		},
		{
			name: "nothing to rewrite",
			src:  "console.log(1);",
			want: "console.log(1);",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := VarizeDeclarations(context.Background(), []byte(tt.src))
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}
