package kurento

import (
	"encoding/json"
)

// UriEndpoint is an endpoint that reads from or writes to an URI.
type UriEndpoint struct {
	Element
}

// URI returns the URI of the endpoint.
func (e *UriEndpoint) URI() (string, error) {
	value, err := e.Invoke("getUri", nil)
	if err != nil {
		return "", err
	}
	var uri string
	err = json.Unmarshal(value, &uri)
	return uri, err
}

// Pause pauses the endpoint.
func (e *UriEndpoint) Pause() error {
	_, err := e.Invoke("pause", nil)
	return err
}

// Stop stops the endpoint.
func (e *UriEndpoint) Stop() error {
	_, err := e.Invoke("stop", nil)
	return err
}

// PlayerEndpoint injects media from an URI into the pipeline.
type PlayerEndpoint struct {
	UriEndpoint
}

// NewPlayerEndpoint allocates a PlayerEndpoint on the pipeline.
func (p *Pipeline) NewPlayerEndpoint(uri string) (*PlayerEndpoint, error) {
	el, err := p.createElement("PlayerEndpoint", map[string]interface{}{
		"uri": uri,
	})
	if err != nil {
		return nil, err
	}
	return &PlayerEndpoint{UriEndpoint{el}}, nil
}

// Play starts playback.
func (e *PlayerEndpoint) Play() error {
	_, err := e.Invoke("play", nil)
	return err
}

// OnEndOfStream subscribes to EndOfStream events.
func (e *PlayerEndpoint) OnEndOfStream(handler EventHandler) (string, error) {
	return e.Subscribe("EndOfStream", handler)
}

// RecorderEndpoint records media flowing through the pipeline to
// an URI.
type RecorderEndpoint struct {
	UriEndpoint
}

// NewRecorderEndpoint allocates a RecorderEndpoint on the pipeline.
func (p *Pipeline) NewRecorderEndpoint(uri string) (*RecorderEndpoint, error) {
	el, err := p.createElement("RecorderEndpoint", map[string]interface{}{
		"uri": uri,
	})
	if err != nil {
		return nil, err
	}
	return &RecorderEndpoint{UriEndpoint{el}}, nil
}

// Record starts recording.
func (e *RecorderEndpoint) Record() error {
	_, err := e.Invoke("record", nil)
	return err
}

// HTTPEndpoint serves media over HTTP.
type HTTPEndpoint struct {
	Element
}

// NewHTTPGetEndpoint allocates a HttpGetEndpoint on the pipeline.
func (p *Pipeline) NewHTTPGetEndpoint() (*HTTPEndpoint, error) {
	el, err := p.createElement("HttpGetEndpoint", nil)
	if err != nil {
		return nil, err
	}
	return &HTTPEndpoint{el}, nil
}

// NewHTTPPostEndpoint allocates a HttpPostEndpoint on the pipeline.
func (p *Pipeline) NewHTTPPostEndpoint() (*HTTPEndpoint, error) {
	el, err := p.createElement("HttpPostEndpoint", nil)
	if err != nil {
		return nil, err
	}
	return &HTTPEndpoint{el}, nil
}

// URL returns the URL under which the endpoint serves media.
func (e *HTTPEndpoint) URL() (string, error) {
	value, err := e.Invoke("getUrl", nil)
	if err != nil {
		return "", err
	}
	var u string
	err = json.Unmarshal(value, &u)
	return u, err
}

// GStreamerFilter applies an arbitrary GStreamer element to the
// media flowing through it.
type GStreamerFilter struct {
	Element
}

// NewGStreamerFilter allocates a GStreamerFilter on the pipeline.
func (p *Pipeline) NewGStreamerFilter(command string) (*GStreamerFilter, error) {
	el, err := p.createElement("GStreamerFilter", map[string]interface{}{
		"command": command,
	})
	if err != nil {
		return nil, err
	}
	return &GStreamerFilter{el}, nil
}

// FaceOverlayFilter overlays an image on detected faces.
type FaceOverlayFilter struct {
	Element
}

// NewFaceOverlayFilter allocates a FaceOverlayFilter on the pipeline.
func (p *Pipeline) NewFaceOverlayFilter() (*FaceOverlayFilter, error) {
	el, err := p.createElement("FaceOverlayFilter", nil)
	if err != nil {
		return nil, err
	}
	return &FaceOverlayFilter{el}, nil
}

// SetOverlayedImage sets the image overlaid on detected faces.
// Offsets and sizes are expressed as a fraction of the face area.
func (e *FaceOverlayFilter) SetOverlayedImage(uri string,
	offsetXPercent float64, offsetYPercent float64,
	widthPercent float64, heightPercent float64,
) error {
	_, err := e.Invoke("setOverlayedImage", map[string]interface{}{
		"uri":            uri,
		"offsetXPercent": offsetXPercent,
		"offsetYPercent": offsetYPercent,
		"widthPercent":   widthPercent,
		"heightPercent":  heightPercent,
	})
	return err
}

// ZBarFilter detects bar and QR codes in the media stream.
type ZBarFilter struct {
	Element
}

// NewZBarFilter allocates a ZBarFilter on the pipeline.
func (p *Pipeline) NewZBarFilter() (*ZBarFilter, error) {
	el, err := p.createElement("ZBarFilter", nil)
	if err != nil {
		return nil, err
	}
	return &ZBarFilter{el}, nil
}

// OnCodeFound subscribes to CodeFound events.
func (e *ZBarFilter) OnCodeFound(handler EventHandler) (string, error) {
	return e.Subscribe("CodeFound", handler)
}

// Composite mixes the media of its ports into a single stream.
type Composite struct {
	Element
}

// NewComposite allocates a Composite hub on the pipeline.
func (p *Pipeline) NewComposite() (*Composite, error) {
	el, err := p.createElement("Composite", nil)
	if err != nil {
		return nil, err
	}
	return &Composite{el}, nil
}

// Dispatcher routes media between its ports.
type Dispatcher struct {
	Element
}

// NewDispatcher allocates a Dispatcher hub on the pipeline.
func (p *Pipeline) NewDispatcher() (*Dispatcher, error) {
	el, err := p.createElement("Dispatcher", nil)
	if err != nil {
		return nil, err
	}
	return &Dispatcher{el}, nil
}
