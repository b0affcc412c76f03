package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/add-eus/library/docdb"
	"github.com/add-eus/library/docdb/badgerdb"
	"github.com/add-eus/library/search"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sharedClient keeps the test store open across commands, which close their client.
type sharedClient struct{ docdb.Client }

func (sharedClient) Close() error { return nil }

func newTestEnv(t *testing.T) (*env, docdb.Client) {
	store, err := badgerdb.Open(badgerdb.Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
	})
	e := &env{
		openClient: func(context.Context, Config, *slog.Logger) (docdb.Client, error) {
			return sharedClient{store}, nil
		},
		awsClients: func(context.Context, Config) (identityAPI, policyAPI, error) {
			return &fakeSTS{}, &fakeIAM{}, nil
		},
		hostedSearch: func(Config) (search.Provider, error) { return nil, nil },
	}
	return e, store
}

func run(t *testing.T, e *env, args ...string) (string, error) {
	t.Helper()
	t.Chdir(t.TempDir())
	return execute(e, args...)
}

func execute(e *env, args ...string) (string, error) {
	var out bytes.Buffer
	cmd := newRootCommand(e)
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func seedUsers(t *testing.T, client docdb.Client) {
	t.Helper()
	ctx := context.Background()
	users := docdb.Collection("users")
	require.NoError(t, client.Create(ctx, users.Doc("u1"), docdb.Data{"name": "ada lovelace", "age": int64(36)}))
	require.NoError(t, client.Create(ctx, users.Doc("u2"), docdb.Data{"name": "alan turing", "age": int64(41)}))
	require.NoError(t, client.Create(ctx, users.Doc("u3"), docdb.Data{"name": "grace hopper", "age": int64(85)}))
}

// =============================================================================
// Configuration
// =============================================================================

func TestLoadConfig(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, ConfigFile), []byte(
		"backend: dynamodb\ntable: documents\nregion: eu-west-1\nsearchPrefix: dev_\n"), 0o644))
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	t.Run("found walking up", func(t *testing.T) {
		t.Chdir(nested)
		cfg, err := LoadConfig("")
		require.NoError(t, err)
		assert.Equal(t, Config{Backend: "dynamodb", Table: "documents", Region: "eu-west-1", SearchPrefix: "dev_"}, cfg)
	})

	t.Run("explicit path", func(t *testing.T) {
		cfg, err := LoadConfig(filepath.Join(root, ConfigFile))
		require.NoError(t, err)
		assert.Equal(t, "documents", cfg.Table)
	})

	t.Run("malformed", func(t *testing.T) {
		bad := filepath.Join(t.TempDir(), "bad.yaml")
		require.NoError(t, os.WriteFile(bad, []byte("backend: [unclosed"), 0o644))
		_, err := LoadConfig(bad)
		assert.Error(t, err)
	})
}

func TestResolve(t *testing.T) {
	e, _ := newTestEnv(t)

	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"defaults", []string{"version"}, ""},
		{"bad format", []string{"--format", "xml", "version"}, "invalid format"},
		{"bad backend", []string{"--backend", "sqlite", "version"}, "unknown backend"},
		{"dynamodb needs table", []string{"--backend", "dynamodb", "version"}, "needs a table"},
		{"dynamodb with table", []string{"--backend", "dynamodb", "--table", "docs", "version"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := run(t, e, tt.args...)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "addeus version "+version+"\n", out)
		})
	}
}

// =============================================================================
// Documents
// =============================================================================

func TestGet(t *testing.T) {
	e, client := newTestEnv(t)
	seedUsers(t, client)

	out, err := run(t, e, "get", "users/u1")
	require.NoError(t, err)
	assert.Equal(t, `users/u1 {"age":36,"name":"ada lovelace"}`+"\n", out)

	out, err = run(t, e, "--format", "json", "get", "users/u2")
	require.NoError(t, err)
	var doc docJSON
	require.NoError(t, json.Unmarshal([]byte(out), &doc))
	assert.Equal(t, "users/u2", doc.Path)
	assert.True(t, doc.Exists)
	assert.Equal(t, "alan turing", doc.Data["name"])

	_, err = run(t, e, "get", "users/nobody")
	assert.ErrorIs(t, err, docdb.ErrNotFound)

	_, err = run(t, e, "get", "users")
	assert.Error(t, err)
}

func TestList(t *testing.T) {
	e, client := newTestEnv(t)
	seedUsers(t, client)

	tests := []struct {
		name string
		args []string
		want []string
	}{
		{"all", nil, []string{"users/u1", "users/u2", "users/u3"}},
		{"where", []string{"--where", "age>=41"}, []string{"users/u2", "users/u3"}},
		{"order and limit", []string{"--order", "age:desc", "--limit", "2"}, []string{"users/u3", "users/u2"}},
		{"id", []string{"--where", `id in ["u1","u3"]`}, []string{"users/u1", "users/u3"}},
		{"string value", []string{"-w", "name==alan turing"}, []string{"users/u2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"--format", "json", "list", "users"}, tt.args...)
			out, err := run(t, e, args...)
			require.NoError(t, err)
			var docs []docJSON
			require.NoError(t, json.Unmarshal([]byte(out), &docs))
			paths := make([]string, len(docs))
			for i, d := range docs {
				paths[i] = d.Path
			}
			assert.Equal(t, tt.want, paths)
		})
	}

	t.Run("bad order", func(t *testing.T) {
		_, err := run(t, e, "list", "users", "--order", "age:sideways")
		assert.Error(t, err)
	})
}

func TestParseWhere(t *testing.T) {
	tests := []struct {
		expr string
		want docdb.Filter
	}{
		{"age>=18", docdb.Where("age", docdb.OpGreaterOrEqual, int64(18))},
		{"age < 1.5", docdb.Where("age", docdb.OpLess, 1.5)},
		{"name!=ada", docdb.Where("name", docdb.OpNotEqual, "ada")},
		{"active==true", docdb.Where("active", docdb.OpEqual, true)},
		{"tags array-contains go", docdb.Where("tags", docdb.OpArrayContains, "go")},
		{`id not-in ["a","b"]`, docdb.Where(docdb.DocumentID, docdb.OpNotIn, []any{"a", "b"})},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := parseWhere(tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := parseWhere("nonsense")
	assert.Error(t, err)
}

func TestWatch(t *testing.T) {
	e, client := newTestEnv(t)
	seedUsers(t, client)

	type result struct {
		out string
		err error
	}
	t.Chdir(t.TempDir())
	done := make(chan result, 1)
	go func() {
		out, err := execute(e, "watch", "users", "--where", "age>80", "--count", "2")
		done <- result{out, err}
	}()

	require.NoError(t, client.Create(context.Background(), docdb.Collection("users").Doc("u4"),
		docdb.Data{"name": "mary", "age": int64(90)}))

	select {
	case r := <-done:
		require.NoError(t, r.err)
		lines := strings.Split(strings.TrimSpace(r.out), "\n")
		require.Len(t, lines, 2)
		assert.True(t, strings.HasPrefix(lines[0], "added users/u3 "))
		assert.True(t, strings.HasPrefix(lines[1], "added users/u4 "))
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not return")
	}
}

// =============================================================================
// Search
// =============================================================================

func TestSearch(t *testing.T) {
	e, client := newTestEnv(t)
	seedUsers(t, client)

	t.Run("local index", func(t *testing.T) {
		out, err := run(t, e, "search", "users", "lovelace")
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(out, "u1\t"), out)
	})

	t.Run("hosted index", func(t *testing.T) {
		hosted := *e
		hosted.hostedSearch = func(Config) (search.Provider, error) {
			return search.Indexes{"users": search.IDs("u3", "u2")}, nil
		}
		out, err := run(t, &hosted, "--format", "json", "search", "users", "anything", "--load")
		require.NoError(t, err)
		var docs []docJSON
		require.NoError(t, json.Unmarshal([]byte(out), &docs))
		require.Len(t, docs, 2)
		assert.Equal(t, "grace hopper", docs[0].Data["name"])
		assert.Equal(t, "alan turing", docs[1].Data["name"])
	})
}

// =============================================================================
// Doctor
// =============================================================================

type fakeSTS struct{}

func (fakeSTS) GetCallerIdentity(context.Context, *sts.GetCallerIdentityInput, ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error) {
	return &sts.GetCallerIdentityOutput{
		Account: aws.String("123456789012"),
		Arn:     aws.String("arn:aws:sts::123456789012:assumed-role/app/session-1"),
	}, nil
}

type fakeIAM struct {
	deny  map[string]bool
	input *iam.SimulatePrincipalPolicyInput
}

func (f *fakeIAM) SimulatePrincipalPolicy(_ context.Context, in *iam.SimulatePrincipalPolicyInput, _ ...func(*iam.Options)) (*iam.SimulatePrincipalPolicyOutput, error) {
	f.input = in
	out := &iam.SimulatePrincipalPolicyOutput{}
	for _, a := range in.ActionNames {
		decision := iamtypes.PolicyEvaluationDecisionTypeAllowed
		if f.deny[a] {
			decision = iamtypes.PolicyEvaluationDecisionTypeImplicitDeny
		}
		out.EvaluationResults = append(out.EvaluationResults, iamtypes.EvaluationResult{
			EvalActionName: aws.String(a),
			EvalDecision:   decision,
		})
	}
	return out, nil
}

func TestDoctor(t *testing.T) {
	cfg := Config{Backend: BackendDynamoDB, Table: "documents", Region: "eu-west-1"}

	t.Run("allowed", func(t *testing.T) {
		var out bytes.Buffer
		policy := &fakeIAM{}
		require.NoError(t, doctor(context.Background(), &out, cfg, fakeSTS{}, policy))
		assert.Contains(t, out.String(), "table documents: ok")
		assert.Equal(t, "arn:aws:iam::123456789012:role/app", aws.ToString(policy.input.PolicySourceArn))
		assert.Equal(t, []string{"arn:aws:dynamodb:eu-west-1:123456789012:table/documents"}, policy.input.ResourceArns)
	})

	t.Run("denied", func(t *testing.T) {
		var out bytes.Buffer
		policy := &fakeIAM{deny: map[string]bool{"dynamodb:Scan": true}}
		err := doctor(context.Background(), &out, cfg, fakeSTS{}, policy)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "dynamodb:Scan")
	})

	t.Run("badger", func(t *testing.T) {
		e, _ := newTestEnv(t)
		out, err := run(t, e, "doctor")
		require.NoError(t, err)
		assert.Equal(t, "backend badger (in-memory): ok\n", out)
	})
}

func TestPrincipalARN(t *testing.T) {
	tests := []struct{ in, want string }{
		{"arn:aws:sts::1:assumed-role/app/session", "arn:aws:iam::1:role/app"},
		{"arn:aws:iam::1:user/ada", "arn:aws:iam::1:user/ada"},
		{"arn:aws-cn:sts::1:assumed-role/app/s", "arn:aws-cn:iam::1:role/app"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, principalARN(tt.in), tt.in)
	}
}
