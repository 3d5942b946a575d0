package gpu

import "hdr-transcoder/pkg/models"

const rgbaVertexShader = `uniform mat4 uMVPMatrix;
uniform mat4 uSTMatrix;
attribute vec4 aPosition;
attribute vec4 aTextureCoord;
varying vec2 vTextureCoord;
void main() {
  gl_Position = uMVPMatrix * aPosition;
  vTextureCoord = (uSTMatrix * aTextureCoord).xy;
}
`

const rgbaFragmentShader = `#extension GL_OES_EGL_image_external : require
precision mediump float;
varying vec2 vTextureCoord;
uniform samplerExternalOES sTexture;
void main() {
  gl_FragColor = texture2D(sTexture, vTextureCoord);
}
`

const yuvVertexShader = `#version 300 es
precision highp float;
uniform mat4 uMVPMatrix;
uniform mat4 uSTMatrix;
layout(location = 0) in vec4 aPosition;
layout(location = 1) in vec4 aTextureCoord;

out vec2 vTextureCoord;

void main()
{
    gl_Position = uMVPMatrix * aPosition;
    vTextureCoord = (uSTMatrix * aTextureCoord).xy;
}
`

// The YUV target samples the decoder output as YUV and writes it unconverted.
const yuvFragmentShader = `#version 300 es
#extension GL_EXT_YUV_target : require
#extension GL_OES_EGL_image_external : require
#extension GL_OES_EGL_image_external_essl3 : require
precision highp float;

uniform __samplerExternal2DY2YEXT sTexture;

in vec2 vTextureCoord;
layout (yuv) out vec4 color;

void main()
{
    color = texture(sTexture, vTextureCoord);
}
`

// shadersFor returns the vertex and fragment sources for a surface format.
func shadersFor(space models.ColorSpace) (vertex, fragment string) {
	if space == models.ColorSpaceYUVP10 {
		return yuvVertexShader, yuvFragmentShader
	}
	return rgbaVertexShader, rgbaFragmentShader
}

// clientVersion is the GLES version a context for space needs.
func clientVersion(space models.ColorSpace) int {
	if space == models.ColorSpaceYUVP10 {
		return 3
	}
	return 2
}
