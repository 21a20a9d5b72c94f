package federation

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/azure-corelib/azbase/azerrors"
)

func TestParseLogins(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want map[string]string
	}{
		{name: "empty string", in: "", want: map[string]string{}},
		{name: "whitespace only", in: "   ", want: map[string]string{}},
		{name: "single entry", in: "cognito-identity.amazonaws.com=tok1", want: map[string]string{"cognito-identity.amazonaws.com": "tok1"}},
		{name: "multiple entries with spaces", in: " a=1 , b=2 ", want: map[string]string{"a": "1", "b": "2"}},
		{name: "drops malformed entry without equals", in: "a=1,malformed,b=2", want: map[string]string{"a": "1", "b": "2"}},
		{name: "drops entry with empty key", in: "=1,b=2", want: map[string]string{"b": "2"}},
		{name: "value may contain equals", in: "a=x=y=z", want: map[string]string{"a": "x=y=z"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, ParseLogins(tt.in))
		})
	}
}

func TestFormatLogins_RoundTrip(t *testing.T) {
	logins := map[string]string{"b": "2", "a": "1"}
	formatted := FormatLogins(logins)
	require.Equal(t, "a=1,b=2", formatted)
	require.Equal(t, logins, ParseLogins(formatted))
}

func TestFormatLogins_Empty(t *testing.T) {
	require.Equal(t, "", FormatLogins(nil))
	require.Equal(t, "", FormatLogins(map[string]string{}))
}

type fakeProvider struct {
	name  string
	token string
	err   error
}

func (f *fakeProvider) Name() string { return f.name }
func (f *fakeProvider) Fetch(ctx context.Context, logins map[string]string) (string, error) {
	return f.token, f.err
}

func TestDispatcher_Dispatch(t *testing.T) {
	d := NewDispatcher()
	d.Register(&fakeProvider{name: "aws_cognito", token: "assertion-abc"})

	tok, err := d.Dispatch(context.Background(), "aws_cognito", map[string]string{"k": "v"})
	require.NoError(t, err)
	require.Equal(t, "assertion-abc", tok)
}

func TestDispatcher_UnknownProvider(t *testing.T) {
	d := NewDispatcher()
	_, err := d.Dispatch(context.Background(), "nope", nil)
	require.Error(t, err)
	var fedErr *azerrors.FederationError
	require.True(t, errors.As(err, &fedErr))
	require.Equal(t, azerrors.UnknownProvider, fedErr.Type)
}

func TestDispatcher_ProviderFailure(t *testing.T) {
	d := NewDispatcher()
	d.Register(&fakeProvider{name: "aws_cognito", err: errors.New("boom")})

	_, err := d.Dispatch(context.Background(), "aws_cognito", nil)
	require.Error(t, err)
	var fedErr *azerrors.FederationError
	require.True(t, errors.As(err, &fedErr))
	require.Equal(t, azerrors.TokenFetchFailed, fedErr.Type)
	require.Equal(t, "aws_cognito", fedErr.Provider)
}
