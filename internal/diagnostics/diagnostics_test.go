package diagnostics

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSingleFileError(t *testing.T) {
	report := Parse("[ERROR] Foo.java:[12,4] cannot find symbol")

	assert.Equal(t, map[string][]string{"Foo.java": {"Line 12: cannot find symbol"}}, report.FileErrors)
	assert.Empty(t, report.GeneralErrors)
	require.Len(t, report.Records, 1)
	assert.Equal(t, ErrorRecord{File: "Foo.java", Line: 12, Column: 4, Message: "Line 12: cannot find symbol", Category: FileError}, report.Records[0])
}

func TestParseMavenOutput(t *testing.T) {
	output := `[INFO] Scanning for projects...
[INFO] Compiling 3 source files to /work/target/classes
[ERROR] COMPILATION ERROR :
[ERROR] /work/src/main/java/com/acme/App.java:[10,8] class Ap is public, should be declared in a file named Ap.java
[ERROR] /work/src/main/java/com/acme/Util.java:[3] package org.missing does not exist
[ERROR] C:\work\src\main\java\com\acme\App.java:[22,15] ';' expected
[ERROR] Non-resolvable parent POM for com.acme:app in pom.xml
[WARNING] something harmless
[ERROR] Failed to execute goal org.apache.maven.plugins:maven-compiler-plugin:3.11.0:compile
`
	report := Parse(output)

	assert.Equal(t, []string{"App.java", "Util.java", "pom.xml"}, report.Files)
	assert.Equal(t, []string{
		"Line 10: class Ap is public, should be declared in a file named Ap.java",
		"Line 22: ';' expected",
	}, report.FileErrors["App.java"])
	assert.Equal(t, []string{"Line 3: package org.missing does not exist"}, report.FileErrors["Util.java"])
	assert.Equal(t, []string{"Non-resolvable parent POM for com.acme:app in pom.xml"}, report.FileErrors["pom.xml"])
	assert.Equal(t, []string{
		"COMPILATION ERROR :",
		"Failed to execute goal org.apache.maven.plugins:maven-compiler-plugin:3.11.0:compile",
	}, report.GeneralErrors)
	assert.Equal(t, 6, report.Count())
}

func TestParseFileWithoutPosition(t *testing.T) {
	report := Parse("[ERROR] src/main/resources/app.properties: malformed entry")
	assert.Equal(t, []string{"malformed entry"}, report.FileErrors["app.properties"])
}

func TestParseDescriptorFileError(t *testing.T) {
	report := Parse("[ERROR] /work/pom.xml:[40,5] unexpected end tag")
	require.Len(t, report.Records, 1)
	assert.Equal(t, ConfigError, report.Records[0].Category)
	assert.Equal(t, []string{"Line 40: unexpected end tag"}, report.FileErrors["pom.xml"])
}

func TestParseCustomDescriptor(t *testing.T) {
	report := NewParser("build.gradle").Parse("error: could not evaluate build.gradle")
	assert.Equal(t, []string{"error: could not evaluate build.gradle"}, report.FileErrors["build.gradle"])
}

func TestParseDiscardsNoise(t *testing.T) {
	report := Parse("[INFO] BUILD SUCCESS\n\n[ERROR]\n[WARNING] deprecated API")
	assert.True(t, report.Empty())
	assert.Empty(t, report.FileErrors)
	assert.Empty(t, report.GeneralErrors)
}

func TestParseKeepsErrorsAfterHugeLine(t *testing.T) {
	output := "[INFO] " + strings.Repeat("x", 2*1024*1024) + "\n[ERROR] Foo.java:[7,1] ';' expected\n"
	report := Parse(output)

	assert.Equal(t, map[string][]string{"Foo.java": {"Line 7: ';' expected"}}, report.FileErrors)
}

func TestParseValueNonString(t *testing.T) {
	for _, v := range []any{nil, 42, struct{}{}, map[string]int{"x": 1}, ""} {
		report := ParseValue(v)
		require.NotNil(t, report)
		assert.Empty(t, report.FileErrors)
		assert.Empty(t, report.GeneralErrors)
	}
}

func TestParseValueLines(t *testing.T) {
	report := ParseValue([]string{"[ERROR] A.java:[1,1] x", "[FATAL] out of memory"})
	assert.Equal(t, []string{"Line 1: x"}, report.FileErrors["A.java"])
	assert.Equal(t, []string{"out of memory"}, report.GeneralErrors)
}

func TestReportLines(t *testing.T) {
	report := Parse("[ERROR] A.java:[1,1] x\n[ERROR] boom\n[ERROR] B.kt:[2] y")
	assert.Equal(t, []string{"A.java: Line 1: x", "B.kt: Line 2: y", "boom"}, report.Lines())
}

func TestErrorLines(t *testing.T) {
	lines := []string{
		"[INFO] Building demo 1.0",
		"[ERROR] Foo.java:[12,4] cannot find symbol",
		"",
		"[WARNING] deprecated API",
		"[ERROR] BUILD FAILURE  ",
	}

	assert.Equal(t, []string{
		"[ERROR] Foo.java:[12,4] cannot find symbol",
		"[ERROR] BUILD FAILURE",
	}, ErrorLines(lines))
	assert.Empty(t, ErrorLines(nil))
}
