package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseAbsoluteLabel(t *testing.T) {
	label := ParseLabel("//java/com/foo:foo")
	assert.Equal(t, Label{PackageName: "java/com/foo", Name: "foo"}, label)
	assert.Equal(t, "java/com/foo", label.Package())
	assert.False(t, label.IsExternal())
}

func TestParseSourceFileLabel(t *testing.T) {
	label := ParseLabel("//java/com/foo:sub/Foo.java")
	assert.Equal(t, "java/com/foo", label.PackageName)
	assert.Equal(t, "sub/Foo.java", label.Name)
	assert.Equal(t, "java/com/foo/sub/Foo.java", label.Path())
}

func TestParseRootPackage(t *testing.T) {
	label := ParseLabel("//:junit")
	assert.Equal(t, "", label.PackageName)
	assert.Equal(t, "junit", label.Name)
	assert.Equal(t, "//:junit", label.String())
}

func TestParseImplicitLabel(t *testing.T) {
	assert.Equal(t, Label{PackageName: "java/com/foo", Name: "foo"}, ParseLabel("//java/com/foo"))
}

func TestParseExternalLabel(t *testing.T) {
	label := ParseLabel("@maven//:com_google_guava_guava")
	assert.Equal(t, Label{Repo: "@maven", Name: "com_google_guava_guava"}, label)
	assert.True(t, label.IsExternal())
	assert.Equal(t, "@maven//:com_google_guava_guava", label.String())

	label = ParseLabel("@@rules_jvm_external~5.3~maven//third_party:guava")
	assert.Equal(t, "@@rules_jvm_external~5.3~maven", label.Repo)
	assert.Equal(t, "third_party", label.PackageName)
	assert.True(t, label.IsExternal())
}

func TestParseRepoOnlyLabel(t *testing.T) {
	assert.Equal(t, Label{Repo: "@junit", Name: "junit"}, ParseLabel("@junit"))
}

func TestParseInvalidLabels(t *testing.T) {
	for _, s := range []string{"", "java/com/foo", ":foo", "//java/com/foo:", "@", "//a:b:c"} {
		_, err := TryParseLabel(s)
		assert.Error(t, err, s)
	}
}

func TestLabelStringRoundTrip(t *testing.T) {
	for _, s := range []string{"//a/b:c", "//:x", "@r//a:b", "//a:b/c.java"} {
		assert.Equal(t, s, ParseLabel(s).String())
	}
}

func TestLabelLess(t *testing.T) {
	assert.True(t, ParseLabel("//a:b").Less(ParseLabel("//a:c")))
	assert.True(t, ParseLabel("//a:z").Less(ParseLabel("//b:a")))
	assert.True(t, ParseLabel("//z:z").Less(ParseLabel("@r//a:a")))
	assert.False(t, ParseLabel("//a:b").Less(ParseLabel("//a:b")))
}

func TestLabelUnmarshalText(t *testing.T) {
	var label Label
	assert.NoError(t, label.UnmarshalText([]byte("//java/com/foo:foo")))
	assert.Equal(t, "java/com/foo", label.PackageName)
	assert.Equal(t, "foo", label.Name)
	assert.Error(t, label.UnmarshalText([]byte(":blahblah:")))
}

func TestParseLabels(t *testing.T) {
	labels, err := ParseLabels([]string{"//a:b", "//c:d"})
	assert.NoError(t, err)
	assert.Equal(t, []Label{NewLabel("a", "b"), NewLabel("c", "d")}, labels)
	_, err = ParseLabels([]string{"//a:b", "nope"})
	assert.Error(t, err)
}
