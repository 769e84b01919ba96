package executor

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
)

// fakeIAM is an in-memory IAM control plane for executor tests.
// Policies and attachments behave like the real thing at the level the
// executor cares about; error fields inject failures per operation.
type fakeIAM struct {
	policies   map[string]bool     // policy ARN -> exists
	roleAttach map[string][]string // role name -> attached policy ARNs
	userAttach map[string][]string

	created  []string // policy names created
	deleted  []string // policy ARNs deleted
	attaches int
	detaches int

	getErr     error
	createErr  error
	attachErr  error
	failRole   string // AttachRolePolicy fails only for this role
	detachErr  error
	listEntErr error
	deleteErr  error
}

func newFakeIAM() *fakeIAM {
	return &fakeIAM{
		policies:   map[string]bool{},
		roleAttach: map[string][]string{},
		userAttach: map[string][]string{},
	}
}

func noSuchEntity() error {
	return &iamtypes.NoSuchEntityException{Message: aws.String("not found")}
}

func (f *fakeIAM) GetPolicy(ctx context.Context, params *iam.GetPolicyInput, optFns ...func(*iam.Options)) (*iam.GetPolicyOutput, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	arn := aws.ToString(params.PolicyArn)
	if !f.policies[arn] {
		return nil, noSuchEntity()
	}
	return &iam.GetPolicyOutput{Policy: &iamtypes.Policy{Arn: params.PolicyArn}}, nil
}

func (f *fakeIAM) CreatePolicy(ctx context.Context, params *iam.CreatePolicyInput, optFns ...func(*iam.Options)) (*iam.CreatePolicyOutput, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	name := aws.ToString(params.PolicyName)
	arn := "arn:aws:iam::123456789012:policy/" + name
	f.policies[arn] = true
	f.created = append(f.created, name)
	return &iam.CreatePolicyOutput{Policy: &iamtypes.Policy{Arn: aws.String(arn)}}, nil
}

func (f *fakeIAM) DeletePolicy(ctx context.Context, params *iam.DeletePolicyInput, optFns ...func(*iam.Options)) (*iam.DeletePolicyOutput, error) {
	if f.deleteErr != nil {
		return nil, f.deleteErr
	}
	arn := aws.ToString(params.PolicyArn)
	delete(f.policies, arn)
	f.deleted = append(f.deleted, arn)
	return &iam.DeletePolicyOutput{}, nil
}

func (f *fakeIAM) AttachRolePolicy(ctx context.Context, params *iam.AttachRolePolicyInput, optFns ...func(*iam.Options)) (*iam.AttachRolePolicyOutput, error) {
	role := aws.ToString(params.RoleName)
	if f.attachErr != nil && (f.failRole == "" || f.failRole == role) {
		return nil, f.attachErr
	}
	f.attaches++
	f.roleAttach[role] = append(f.roleAttach[role], aws.ToString(params.PolicyArn))
	return &iam.AttachRolePolicyOutput{}, nil
}

func (f *fakeIAM) DetachRolePolicy(ctx context.Context, params *iam.DetachRolePolicyInput, optFns ...func(*iam.Options)) (*iam.DetachRolePolicyOutput, error) {
	if f.detachErr != nil {
		return nil, f.detachErr
	}
	role := aws.ToString(params.RoleName)
	arn := aws.ToString(params.PolicyArn)
	if !remove(f.roleAttach, role, arn) {
		return nil, noSuchEntity()
	}
	f.detaches++
	return &iam.DetachRolePolicyOutput{}, nil
}

func (f *fakeIAM) AttachUserPolicy(ctx context.Context, params *iam.AttachUserPolicyInput, optFns ...func(*iam.Options)) (*iam.AttachUserPolicyOutput, error) {
	if f.attachErr != nil && f.failRole == "" {
		return nil, f.attachErr
	}
	f.attaches++
	user := aws.ToString(params.UserName)
	f.userAttach[user] = append(f.userAttach[user], aws.ToString(params.PolicyArn))
	return &iam.AttachUserPolicyOutput{}, nil
}

func (f *fakeIAM) DetachUserPolicy(ctx context.Context, params *iam.DetachUserPolicyInput, optFns ...func(*iam.Options)) (*iam.DetachUserPolicyOutput, error) {
	if f.detachErr != nil {
		return nil, f.detachErr
	}
	user := aws.ToString(params.UserName)
	arn := aws.ToString(params.PolicyArn)
	if !remove(f.userAttach, user, arn) {
		return nil, noSuchEntity()
	}
	f.detaches++
	return &iam.DetachUserPolicyOutput{}, nil
}

func (f *fakeIAM) ListAttachedRolePolicies(ctx context.Context, params *iam.ListAttachedRolePoliciesInput, optFns ...func(*iam.Options)) (*iam.ListAttachedRolePoliciesOutput, error) {
	return &iam.ListAttachedRolePoliciesOutput{
		AttachedPolicies: attachedPolicies(f.roleAttach[aws.ToString(params.RoleName)]),
	}, nil
}

func (f *fakeIAM) ListAttachedUserPolicies(ctx context.Context, params *iam.ListAttachedUserPoliciesInput, optFns ...func(*iam.Options)) (*iam.ListAttachedUserPoliciesOutput, error) {
	return &iam.ListAttachedUserPoliciesOutput{
		AttachedPolicies: attachedPolicies(f.userAttach[aws.ToString(params.UserName)]),
	}, nil
}

func (f *fakeIAM) ListEntitiesForPolicy(ctx context.Context, params *iam.ListEntitiesForPolicyInput, optFns ...func(*iam.Options)) (*iam.ListEntitiesForPolicyOutput, error) {
	if f.listEntErr != nil {
		return nil, f.listEntErr
	}
	arn := aws.ToString(params.PolicyArn)
	out := &iam.ListEntitiesForPolicyOutput{}
	for role, arns := range f.roleAttach {
		if containsARN(arns, arn) {
			out.PolicyRoles = append(out.PolicyRoles, iamtypes.PolicyRole{RoleName: aws.String(role)})
		}
	}
	for user, arns := range f.userAttach {
		if containsARN(arns, arn) {
			out.PolicyUsers = append(out.PolicyUsers, iamtypes.PolicyUser{UserName: aws.String(user)})
		}
	}
	return out, nil
}

func attachedPolicies(arns []string) []iamtypes.AttachedPolicy {
	out := make([]iamtypes.AttachedPolicy, 0, len(arns))
	for _, arn := range arns {
		out = append(out, iamtypes.AttachedPolicy{PolicyArn: aws.String(arn)})
	}
	return out
}

func containsARN(arns []string, arn string) bool {
	for _, a := range arns {
		if a == arn {
			return true
		}
	}
	return false
}

func remove(m map[string][]string, key, arn string) bool {
	arns := m[key]
	for i, a := range arns {
		if a == arn {
			m[key] = append(arns[:i], arns[i+1:]...)
			return true
		}
	}
	return false
}
