package e2e_test

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/xuxu777xu/CodePilot-sub000/citest/testutil"
	"github.com/xuxu777xu/CodePilot-sub000/internal/headless"
)

var _ = Describe("Headless run", func() {
	config := func(prompt string) *headless.Config {
		cfg := headless.DefaultConfig()
		cfg.Prompt = prompt
		cfg.ServerURL = testServer.BaseURL
		cfg.SessionID = testutil.SessionID("run")
		cfg.Timeout = 10 * time.Second
		cfg.Stream = testutil.FastStream()
		return cfg
	}

	It("should print the reply and exit successfully", func() {
		var out bytes.Buffer
		result, err := headless.NewRunner(config("hello")).Run(ctx, &out, strings.NewReader(""))
		Expect(err).NotTo(HaveOccurred())
		Expect(result.ExitCode).To(Equal(headless.ExitSuccess))
		Expect(result.FinalMessage).To(Equal("You said: hello"))
		Expect(out.String()).To(ContainSubstring("You said: hello"))
	})

	It("should approve tools with auto-approve and report them as JSON", func() {
		cfg := config("list files")
		cfg.AutoApprove = true
		cfg.OutputFormat = headless.OutputJSON

		var out bytes.Buffer
		result, err := headless.NewRunner(cfg).Run(ctx, &out, strings.NewReader(""))
		Expect(err).NotTo(HaveOccurred())
		Expect(result.ExitCode).To(Equal(headless.ExitSuccess))

		var printed headless.Result
		Expect(json.Unmarshal(out.Bytes(), &printed)).To(Succeed())
		Expect(printed.Status).To(Equal("success"))
		Expect(printed.ToolCalls).To(HaveLen(1))
		Expect(printed.ToolCalls[0].Tool).To(Equal("Bash"))
		Expect(printed.Permissions).To(HaveLen(1))
		Expect(printed.Tokens).NotTo(BeNil())
		Expect(printed.Tokens.InputTokens).To(Equal(120))
	})

	It("should deny tools by default and exit with the permission code", func() {
		var out bytes.Buffer
		result, err := headless.NewRunner(config("list files")).Run(ctx, &out, strings.NewReader(""))
		Expect(err).To(HaveOccurred())
		Expect(result.ExitCode).To(Equal(headless.ExitPermissionDenied))
		Expect(out.String()).To(ContainSubstring("[permission] Bash denied"))
	})

	It("should report agent errors", func() {
		var out bytes.Buffer
		result, err := headless.NewRunner(config("explode")).Run(ctx, &out, strings.NewReader(""))
		Expect(err).To(HaveOccurred())
		Expect(result.ExitCode).To(Equal(headless.ExitProviderError))
		Expect(result.Error).To(ContainSubstring("model overloaded"))
	})

	It("should read the prompt from stdin", func() {
		cfg := config("")
		cfg.ReadStdin = true

		var out bytes.Buffer
		result, err := headless.NewRunner(cfg).Run(ctx, &out, strings.NewReader("from a pipe\n"))
		Expect(err).NotTo(HaveOccurred())
		Expect(result.ExitCode).To(Equal(headless.ExitSuccess))
		Expect(result.FinalMessage).To(ContainSubstring("from a pipe"))
	})
})
