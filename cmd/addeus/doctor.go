package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/spf13/cobra"
)

// requiredActions are the DynamoDB actions the dynamodb backend issues.
// Transactions are authorized per contained action.
var requiredActions = []string{
	"dynamodb:GetItem",
	"dynamodb:PutItem",
	"dynamodb:DeleteItem",
	"dynamodb:Query",
	"dynamodb:Scan",
}

type identityAPI interface {
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

type policyAPI interface {
	SimulatePrincipalPolicy(ctx context.Context, params *iam.SimulatePrincipalPolicyInput, optFns ...func(*iam.Options)) (*iam.SimulatePrincipalPolicyOutput, error)
}

func newDoctorCommand(rootOpts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check credentials and permissions",
		Long: `Check that the configured backend is reachable.

For DynamoDB, resolves the caller identity with STS and simulates the caller's IAM
policies against the table for every action the backend uses.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if rootOpts.cfg.Backend != BackendDynamoDB {
				client, err := rootOpts.open(cmd.Context())
				if err != nil {
					return err
				}
				where := rootOpts.cfg.DataDir
				if where == "" {
					where = "in-memory"
				}
				fmt.Fprintf(out, "backend %s (%s): ok\n", BackendBadger, where)
				return client.Close()
			}

			identity, policy, err := rootOpts.env.awsClients(cmd.Context(), rootOpts.cfg)
			if err != nil {
				return err
			}
			return doctor(cmd.Context(), out, rootOpts.cfg, identity, policy)
		},
	}
}

func doctor(ctx context.Context, out io.Writer, cfg Config, identity identityAPI, policy policyAPI) error {
	who, err := identity.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return fmt.Errorf("get caller identity failed: %w", err)
	}
	account, arn := aws.ToString(who.Account), aws.ToString(who.Arn)
	fmt.Fprintf(out, "identity: %s (account %s)\n", arn, account)

	region := cfg.Region
	if region == "" {
		region = "*"
	}
	table := fmt.Sprintf("arn:aws:dynamodb:%s:%s:table/%s", region, account, cfg.Table)

	input := &iam.SimulatePrincipalPolicyInput{
		PolicySourceArn: aws.String(principalARN(arn)),
		ActionNames:     requiredActions,
		ResourceArns:    []string{table},
	}
	var denied []string
	for {
		res, err := policy.SimulatePrincipalPolicy(ctx, input)
		if err != nil {
			return fmt.Errorf("simulate principal policy failed: %w", err)
		}
		for _, r := range res.EvaluationResults {
			action := aws.ToString(r.EvalActionName)
			fmt.Fprintf(out, "%-20s %s\n", action, r.EvalDecision)
			if r.EvalDecision != iamtypes.PolicyEvaluationDecisionTypeAllowed {
				denied = append(denied, action)
			}
		}
		if !res.IsTruncated {
			break
		}
		input.Marker = res.Marker
	}
	if len(denied) > 0 {
		return errors.New("missing permissions on " + table + ": " + strings.Join(denied, ", "))
	}
	fmt.Fprintf(out, "table %s: ok\n", cfg.Table)
	return nil
}

// principalARN turns an assumed-role session ARN into the ARN of its role, which is
// what policy simulation accepts.
func principalARN(arn string) string {
	const marker = ":assumed-role/"
	i := strings.Index(arn, marker)
	if i < 0 || !strings.HasPrefix(arn, "arn:") {
		return arn
	}
	prefix := strings.Replace(arn[:i], ":sts:", ":iam:", 1)
	role, _, _ := strings.Cut(arn[i+len(marker):], "/")
	return prefix + ":role/" + role
}
