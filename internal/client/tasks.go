package client

import (
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"path/filepath"
	"strings"
)

type BackgroundRemovalOptions struct {
	Model string `json:"model,omitempty"`
	// Mask settings. Forwarded only when Model can produce masks.
	ReturnOnlyMask                  bool  `json:"returnOnlyMask,omitempty"`
	PostProcessMask                 bool  `json:"postProcessMask,omitempty"`
	RGBA                            []int `json:"rgba,omitempty"`
	AlphaMatting                    bool  `json:"alphaMatting,omitempty"`
	AlphaMattingForegroundThreshold int   `json:"alphaMattingForegroundThreshold,omitempty"`
	AlphaMattingBackgroundThreshold int   `json:"alphaMattingBackgroundThreshold,omitempty"`
	AlphaMattingErodeSize           int   `json:"alphaMattingErodeSize,omitempty"`
}

// SupportsMask reports whether model accepts the mask settings.
func SupportsMask(model string) bool {
	return model == MaskModel
}

// RemoveBackground submits a removal task. With ReturnOnlyMask on a mask-capable model the
// result is a mask suitable for Inpaint.
func (c *ProviderClient) RemoveBackground(ctx context.Context, inputImage string, opts BackgroundRemovalOptions) (*ImageResult, error) {
	if strings.TrimSpace(inputImage) == "" {
		return nil, invalid("inputImage is required")
	}
	model := firstNonEmpty(opts.Model, c.maskModel)

	var settings map[string]any
	if SupportsMask(model) {
		settings = map[string]any{
			"returnOnlyMask":  opts.ReturnOnlyMask,
			"postProcessMask": opts.PostProcessMask,
		}
		if len(opts.RGBA) == 4 {
			settings["rgba"] = opts.RGBA
		}
		if opts.AlphaMatting {
			settings["alphaMatting"] = true
			setPositive(settings, "alphaMattingForegroundThreshold", opts.AlphaMattingForegroundThreshold)
			setPositive(settings, "alphaMattingBackgroundThreshold", opts.AlphaMattingBackgroundThreshold)
			setPositive(settings, "alphaMattingErodeSize", opts.AlphaMattingErodeSize)
		}
	} else if opts.ReturnOnlyMask {
		c.log.WithContext(ctx).Debugf("mask settings dropped for model", map[string]interface{}{"model": model})
	}

	return c.call(ctx, OpRemoveBackground, func(taskUUID string) map[string]any {
		task := withCommonFlags(map[string]any{
			"taskType":   TaskRemoveBackground,
			"taskUUID":   taskUUID,
			"inputImage": inputImage,
			"model":      model,
		})
		if settings != nil {
			task["settings"] = settings
		}
		return task
	})
}

type InpaintRequest struct {
	PositivePrompt string         `json:"positivePrompt"`
	NegativePrompt string         `json:"negativePrompt,omitempty"`
	SeedImage      string         `json:"seedImage"`
	MaskImage      string         `json:"maskImage"`
	Options        InpaintOptions `json:"options"`
}

type InpaintOptions struct {
	Model            string   `json:"model,omitempty"`
	Width            int      `json:"width,omitempty"`
	Height           int      `json:"height,omitempty"`
	Steps            int      `json:"steps,omitempty"`
	CFGScale         float64  `json:"CFGScale,omitempty"`
	Strength         *float64 `json:"strength,omitempty"`
	MaskMargin       *int     `json:"maskMargin,omitempty"`
	PromptUpsampling *bool    `json:"promptUpsampling,omitempty"`
	SafetyTolerance  *int     `json:"safetyTolerance,omitempty"`
}

// ModelFamily groups models by the inference parameters they accept.
type ModelFamily int

const (
	FamilySD ModelFamily = iota
	FamilyFluxFill
	FamilyBFL
)

func ModelFamilyOf(model string) ModelFamily {
	switch {
	case strings.HasPrefix(model, bflModelPrefix):
		return FamilyBFL
	case model == fluxFillModel:
		return FamilyFluxFill
	default:
		return FamilySD
	}
}

// Inpaint fills the masked region of SeedImage according to the prompt.
func (c *ProviderClient) Inpaint(ctx context.Context, req InpaintRequest) (*ImageResult, error) {
	switch {
	case strings.TrimSpace(req.PositivePrompt) == "":
		return nil, invalid("positivePrompt is required")
	case strings.TrimSpace(req.SeedImage) == "":
		return nil, invalid("seedImage is required")
	case strings.TrimSpace(req.MaskImage) == "":
		return nil, invalid("maskImage is required")
	}
	model := firstNonEmpty(req.Options.Model, c.inpaintModel)

	return c.call(ctx, OpInpainting, func(taskUUID string) map[string]any {
		task := inferenceTask(taskUUID, model, req.PositivePrompt, req.NegativePrompt, req.Options)
		task["seedImage"] = req.SeedImage
		task["maskImage"] = req.MaskImage

		if ModelFamilyOf(model) == FamilySD {
			strength := defaultStrength
			if req.Options.Strength != nil {
				strength = *req.Options.Strength
			}
			margin := defaultMaskMargin
			if req.Options.MaskMargin != nil {
				margin = *req.Options.MaskMargin
			}
			task["strength"] = strength
			task["maskMargin"] = margin
		}
		return task
	})
}

type GenerateOptions struct {
	Model            string  `json:"model,omitempty"`
	NegativePrompt   string  `json:"negativePrompt,omitempty"`
	Width            int     `json:"width,omitempty"`
	Height           int     `json:"height,omitempty"`
	Steps            int     `json:"steps,omitempty"`
	CFGScale         float64 `json:"CFGScale,omitempty"`
	PromptUpsampling *bool   `json:"promptUpsampling,omitempty"`
	SafetyTolerance  *int    `json:"safetyTolerance,omitempty"`
}

// GenerateImage runs text-to-image inference.
func (c *ProviderClient) GenerateImage(ctx context.Context, prompt string, opts GenerateOptions) (*ImageResult, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, invalid("positivePrompt is required")
	}
	model := firstNonEmpty(opts.Model, c.imageModel)
	shared := InpaintOptions{
		Width:            opts.Width,
		Height:           opts.Height,
		Steps:            opts.Steps,
		CFGScale:         opts.CFGScale,
		PromptUpsampling: opts.PromptUpsampling,
		SafetyTolerance:  opts.SafetyTolerance,
	}
	return c.call(ctx, OpGenerateImage, func(taskUUID string) map[string]any {
		return inferenceTask(taskUUID, model, prompt, opts.NegativePrompt, shared)
	})
}

// inferenceTask builds an imageInference task shaped for model's family.
func inferenceTask(taskUUID, model, prompt, negative string, opts InpaintOptions) map[string]any {
	task := withCommonFlags(map[string]any{
		"taskType":       TaskImageInference,
		"taskUUID":       taskUUID,
		"model":          model,
		"positivePrompt": prompt,
		"width":          positiveOr(opts.Width, defaultImageSize),
		"height":         positiveOr(opts.Height, defaultImageSize),
		"numberResults":  1,
	})
	if opts.Steps > 0 {
		task["steps"] = opts.Steps
	}
	if opts.CFGScale > 0 {
		task["CFGScale"] = opts.CFGScale
	}

	if ModelFamilyOf(model) == FamilyBFL {
		upsampling := false
		if opts.PromptUpsampling != nil {
			upsampling = *opts.PromptUpsampling
		}
		tolerance := defaultSafetyLevel
		if opts.SafetyTolerance != nil {
			tolerance = *opts.SafetyTolerance
		}
		task["providerSettings"] = map[string]any{
			"bfl": map[string]any{
				"promptUpsampling": upsampling,
				"safetyTolerance":  tolerance,
			},
		}
		return task
	}

	if strings.TrimSpace(negative) != "" {
		task["negativePrompt"] = negative
	}
	return task
}

type UpscaleOptions struct {
	UpscaleFactor int `json:"upscaleFactor,omitempty"`
}

func (c *ProviderClient) UpscaleImage(ctx context.Context, inputImage string, opts UpscaleOptions) (*ImageResult, error) {
	if strings.TrimSpace(inputImage) == "" {
		return nil, invalid("inputImage is required")
	}
	factor := positiveOr(opts.UpscaleFactor, defaultUpscaleFactor)
	if factor < 2 || factor > 4 {
		return nil, invalid("upscaleFactor must be between 2 and 4, got %d", factor)
	}
	return c.call(ctx, OpUpscaleImage, func(taskUUID string) map[string]any {
		return withCommonFlags(map[string]any{
			"taskType":      TaskImageUpscale,
			"taskUUID":      taskUUID,
			"inputImage":    inputImage,
			"upscaleFactor": factor,
		})
	})
}

// UploadImage registers an image with the provider so later tasks can reference its UUID.
// data may be raw base64 or a data URI; filename is used to infer the media type.
func (c *ProviderClient) UploadImage(ctx context.Context, data, filename string) (*ImageResult, error) {
	data = strings.TrimSpace(data)
	if data == "" {
		return nil, invalid("image data is required")
	}
	image := data
	if !strings.HasPrefix(data, "data:") {
		mediaType := mime.TypeByExtension(strings.ToLower(filepath.Ext(filename)))
		if !strings.HasPrefix(mediaType, "image/") {
			mediaType = "image/png"
		}
		image = fmt.Sprintf("data:%s;base64,%s", mediaType, data)
	}
	return c.call(ctx, OpUploadImage, func(taskUUID string) map[string]any {
		return withCommonFlags(map[string]any{
			"taskType": TaskImageUpload,
			"taskUUID": taskUUID,
			"image":    image,
		})
	})
}

// TestConnection sends a ping task to verify connectivity and credentials. It is not retried.
func (c *ProviderClient) TestConnection(ctx context.Context) error {
	raw, err := c.post(ctx, OpTestConnection, map[string]any{
		"taskType": TaskPing,
		"taskUUID": c.newTaskID(),
		"ping":     true,
	})
	if err != nil {
		return err
	}
	var pong struct {
		Pong bool `json:"pong"`
	}
	if err := json.Unmarshal(raw, &pong); err != nil || !pong.Pong {
		return &ProviderError{Operation: OpTestConnection, Message: "no pong in response"}
	}
	return nil
}

func setPositive(m map[string]any, key string, v int) {
	if v > 0 {
		m[key] = v
	}
}

func positiveOr(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}
